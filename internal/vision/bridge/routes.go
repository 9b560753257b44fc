package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sslvision/internal/httputil"
	"github.com/banshee-data/sslvision/internal/version"
)

// Status returns a snapshot of the bridge and receiver state.
func (b *Bridge) Status() Status {
	s := b.settings.Load()
	st := Status{
		Receiver:        b.src.Stats(),
		TeamSide:        s.Side,
		Field:           b.FieldSize(),
		FieldSource:     b.fieldSource(),
		KeepLastBall:    s.KeepLastBall,
		Normalized:      b.frames.Load(),
		NormalizeErrors: b.normalizeErr.Load(),
		Version:         version.Version,
		GitSHA:          version.GitSHA,
	}
	if b.forwarder != nil {
		forwarded, dropped, failed := b.forwarder.Counts()
		st.Forward = &ForwardStatus{
			Address:   b.forwarder.Address(),
			Forwarded: forwarded,
			Dropped:   dropped,
			Failed:    failed,
		}
	}
	return st
}

// AttachRoutes registers the public API on mux:
//
//	GET /api/vision/status  receiver and normalizer state
//	GET /api/vision/frame   latest normalized frame (?format=cbor for CBOR)
//	/ws                     live frame feed, when feed is non-nil
func (b *Bridge) AttachRoutes(mux *http.ServeMux, feed http.Handler) {
	mux.HandleFunc("/api/vision/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.Write(w, r, http.StatusOK, b.Status())
	})
	mux.HandleFunc("/api/vision/frame", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		frame := b.Latest()
		if frame == nil {
			httputil.ServiceUnavailable(w, "no frame received yet")
			return
		}
		httputil.Write(w, r, http.StatusOK, frame)
	})
	if feed != nil {
		mux.Handle("/ws", feed)
	}
}

// AttachAdminRoutes registers the loopback-only /debug/ pages.
func (b *Bridge) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", fmt.Sprintf("%s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime))
	debug.KVFunc("Vision group", func() any { return b.src.Stats().Group })
	debug.KVFunc("Vision FPS", func() any { return fmt.Sprintf("%.1f", b.src.Stats().FPS) })
	debug.KVFunc("Team side", func() any { return string(b.settings.Load().Side) })

	debug.HandleFunc("vision-raw", "latest raw detection frame", func(w http.ResponseWriter, r *http.Request) {
		raw := b.src.CurrentFrame()
		if raw == nil {
			http.Error(w, "no frame received yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(raw); err != nil {
			logf("encode raw frame: %v", err)
		}
	})
	debug.HandleFunc("vision-status", "receiver and normalizer counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.Write(w, r, http.StatusOK, b.Status())
	})
}
