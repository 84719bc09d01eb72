package server

import (
	"net/http"
	"time"

	"TradeLedger/internal/fanout"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadBytes = 4096
)

// accountStream upgrades to a websocket and relays the caller's account
// events until either side closes. Clients only read; anything they send is
// discarded.
func (s *Server) accountStream(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, "account_stream", err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := fanout.NewWSChannel(conn, s.cfg.WriteWait)
	sub := s.deps.Hub.Subscribe(userID, ch)
	defer sub.Cancel()
	s.logger.Debug().Str("user_id", userID.String()).Msg("account stream opened")

	conn.SetReadLimit(maxReadBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ch.Ping(); err != nil {
					sub.Cancel()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("user_id", userID.String()).Msg("account stream closed")
			}
			return
		}
	}
}
