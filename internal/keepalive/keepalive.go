// Package keepalive sends periodic keepalive@openssh.com global requests on
// every live session's SSH connection, so idle firewalls and bastions don't
// drop the underlying TCP connection out from under a session that has no
// PTY traffic. Grounded on the teacher's tunnel.Server.keepalive goroutine,
// adapted from a hand-rolled ticker to a robfig/cron schedule so the host
// process can configure the interval declaratively alongside its other cron
// expressions.
package keepalive

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ClientsFunc returns the SSH clients of every currently live session.
// Supplied by the caller so this package never imports the session/registry
// types it operates on.
type ClientsFunc func() []*ssh.Client

// Scheduler runs a cron job that pings every live session's connection.
type Scheduler struct {
	cron    *cron.Cron
	clients ClientsFunc
	log     zerolog.Logger
}

// New builds a Scheduler. spec is a standard 5-field cron expression
// ("*/30 * * * * *" requires the optional-seconds parser; use "@every 30s"
// for sub-minute intervals, which is the common case for keepalives).
func New(spec string, clients ClientsFunc, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		clients: clients,
		log:     log,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule, then waits for the running job (if any) to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	for _, client := range s.clients() {
		if client == nil {
			continue
		}
		ok, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("keepalive request failed")
			continue
		}
		if !ok {
			s.log.Debug().Msg("keepalive request rejected by remote")
		}
	}
}
