package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coinview/internal/accounts"
	"coinview/internal/auth"
	"coinview/internal/notify"
)

// WSHandler is the subscription endpoint for live balance-change events.
// Each connection is tagged with one account id and sees only that
// account's events, from the moment it subscribes onward.
type WSHandler struct {
	bus        *notify.Bus
	authSvc    *auth.Service
	accountSvc *accounts.Service
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

func NewWSHandler(bus *notify.Bus, authSvc *auth.Service, accountSvc *accounts.Service, origin string, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		bus:        bus,
		authSvc:    authSvc,
		accountSvc: accountSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// browsers cannot set headers on WS, so the token rides the query
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.authSvc.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	accountID, err := h.accountSvc.ByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "no active account", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe(accountID)
	defer h.bus.Unsubscribe(accountID, sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
