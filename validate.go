package sshmux

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	errRequiredPassword = errors.New("password is required for password auth")
	errRequiredKeyPath  = errors.New("private_key_path is required for key auth")
)

// validate rejects a malformed ConnectionParams before any socket is opened,
// so a bad request never reaches the registry as a half-formed session.
func (p ConnectionParams) validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Host, validation.Required),
		validation.Field(&p.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&p.Username, validation.Required),
		validation.Field(&p.AuthMethod, validation.Required, validation.In(AuthPassword, AuthKey)),
	)
	if err != nil {
		return connectionFailed("invalid connection params", err)
	}

	switch p.AuthMethod {
	case AuthPassword:
		if p.Password == "" {
			return connectionFailed("invalid connection params", errRequiredPassword)
		}
	case AuthKey:
		if p.PrivateKeyPath == "" {
			return connectionFailed("invalid connection params", errRequiredKeyPath)
		}
	}

	if p.usesJump() {
		jumpErr := validation.ValidateStruct(&p,
			validation.Field(&p.JumpPort, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&p.JumpUsername, validation.Required),
		)
		if jumpErr != nil {
			return connectionFailed("invalid jump host params", jumpErr)
		}
	}

	return nil
}
