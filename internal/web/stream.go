package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (s *Server) handleWithdrawalStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	account := r.URL.Query().Get("account")

	updates, unsubscribe := s.svc.Withdrawals.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case req, ok := <-updates:
			if !ok {
				return
			}
			if account != "" && req.AccountID != account {
				continue
			}
			payload, err := json.Marshal(newWithdrawalView(req))
			if err != nil {
				s.l.Warn("withdrawal stream encode", zap.String("withdrawal_id", req.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: withdrawal\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
