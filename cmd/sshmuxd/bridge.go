package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/portcall/sshmux"
)

// bridge is the websocket-facing wiring described in SPEC_FULL.md §1: the
// core owns no RPC bridge of its own, so this demo binary supplies one,
// translating the verb table to/from JSON frames and fanning sshmux's
// events out to every connected client. Grounded on the teacher's
// internal/terminal use of gorilla/websocket for its browser-facing
// terminal bridge.
type bridge struct {
	manager  *sshmux.Manager
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newBridge(m *sshmux.Manager, log zerolog.Logger) *bridge {
	return &bridge{
		manager: m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Emit implements sshmux.EventSink by broadcasting {topic, payload} frames
// to every connected client.
func (b *bridge) Emit(topic string, payload any) {
	frame := wireEvent{Topic: topic, Payload: payload}
	raw, err := json.Marshal(frame)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("marshal event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			b.log.Debug().Err(err).Msg("broadcast: write to client failed")
		}
	}
}

type wireEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// wireRequest is one verb invocation from a client.
type wireRequest struct {
	ID     string          `json:"id"`
	Verb   string          `json:"verb"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req wireRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			b.reply(conn, wireResponse{Error: "malformed request: " + err.Error()})
			continue
		}

		resp := b.dispatch(req)
		b.reply(conn, resp)
	}
}

func (b *bridge) reply(conn *websocket.Conn, resp wireResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

// dispatch implements the verb table in SPEC_FULL.md §6, one case per row.
func (b *bridge) dispatch(req wireRequest) wireResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch req.Verb {
	case "connect":
		var params sshmux.ConnectionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		id, err := b.manager.Connect(ctx, params)
		return result(req.ID, id, err)

	case "send":
		var p struct {
			ChannelId string `json:"channelId"`
			Data      string `json:"data"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.Send(ctx, p.ChannelId, []byte(p.Data))
		return result(req.ID, nil, err)

	case "resize":
		var p struct {
			ChannelId string `json:"channelId"`
			Cols      int    `json:"cols"`
			Rows      int    `json:"rows"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.Resize(ctx, p.ChannelId, p.Cols, p.Rows)
		return result(req.ID, nil, err)

	case "disconnect":
		var p struct {
			ChannelId string `json:"channelId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.Disconnect(ctx, p.ChannelId)
		return result(req.ID, nil, err)

	case "sftp_list_dir":
		var p struct {
			ChannelId string `json:"channelId"`
			Path      string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		res, err := b.manager.SftpListDir(ctx, p.ChannelId, p.Path)
		return result(req.ID, res, err)

	case "sftp_download":
		var p struct {
			ChannelId string `json:"channelId"`
			Remote    string `json:"remote"`
			Local     string `json:"local"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		n, err := b.manager.SftpDownload(ctx, p.ChannelId, p.Remote, p.Local)
		return result(req.ID, n, err)

	case "sftp_upload":
		var p struct {
			ChannelId string `json:"channelId"`
			Local     string `json:"local"`
			Remote    string `json:"remote"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		n, err := b.manager.SftpUpload(ctx, p.ChannelId, p.Local, p.Remote)
		return result(req.ID, n, err)

	case "sftp_mkdir":
		var p struct {
			ChannelId string `json:"channelId"`
			Path      string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.SftpMkdir(ctx, p.ChannelId, p.Path)
		return result(req.ID, nil, err)

	case "sftp_delete":
		var p struct {
			ChannelId string `json:"channelId"`
			Path      string `json:"path"`
			IsDir     bool   `json:"isDir"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.SftpDelete(ctx, p.ChannelId, p.Path, p.IsDir)
		return result(req.ID, nil, err)

	case "sftp_rename":
		var p struct {
			ChannelId string `json:"channelId"`
			Old       string `json:"old"`
			New       string `json:"new"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.SftpRename(ctx, p.ChannelId, p.Old, p.New)
		return result(req.ID, nil, err)

	case "sftp_touch":
		var p struct {
			ChannelId string `json:"channelId"`
			Path      string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		err := b.manager.SftpTouch(ctx, p.ChannelId, p.Path)
		return result(req.ID, nil, err)

	case "sftp_stat":
		var p struct {
			ChannelId string `json:"channelId"`
			Path      string `json:"path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return wireResponse{ID: req.ID, Error: err.Error()}
		}
		entry, err := b.manager.SftpStat(ctx, p.ChannelId, p.Path)
		return result(req.ID, entry, err)

	default:
		return wireResponse{ID: req.ID, Error: "unknown verb: " + req.Verb}
	}
}

func result(id string, value any, err error) wireResponse {
	if err != nil {
		return wireResponse{ID: id, Error: err.Error()}
	}
	return wireResponse{ID: id, Result: value}
}
