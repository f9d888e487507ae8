package gateway

import (
	"io"
	"net/http"

	"homeautomation-gateway/internal/logger"
)

// Handler serves the ajax routes and passes every other request to fallback.
type Handler struct {
	dispatcher *Dispatcher
	fallback   http.Handler
}

func NewHandler(d *Dispatcher, fallback http.Handler) *Handler {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	return &Handler{dispatcher: d, fallback: fallback}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := Lookup(r.URL.Path)

	var reply string
	var err error
	switch route {
	case GetData:
		reply, err = h.dispatcher.Read(r.Context(), r.URL.RawQuery)
	case SendMessage:
		reply, err = h.dispatcher.Write(r.Context(), r.URL.RawQuery)
	default:
		h.fallback.ServeHTTP(w, r)
		return
	}

	if err != nil {
		switch Of(err) {
		case ChannelReadFailure, ChannelWriteFailure:
			logger.Warn("%s: %v", route, err)
		default:
			logger.Debug("%s: %v", route, err)
		}
	} else {
		logger.Debug("%s %s -> %q", route, quote(r.URL.RawQuery), reply)
	}

	writeReply(w, reply)
}

// writeReply sends the fixed ajax header followed by body, which may be empty.
func writeReply(w http.ResponseWriter, body string) {
	h := w.Header()
	h.Set("Cache", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Type", "application/x-javascript")
	w.WriteHeader(http.StatusOK)
	if body != "" {
		io.WriteString(w, body)
	}
}
