package bridge

import (
	"encoding/xml"
	"log/slog"
	"net/http"
)

// TwiMLHandler answers the telephony provider's inbound-call webhook with a
// document that connects the call to this service's media-stream endpoint.
type TwiMLHandler struct {
	// PublicHost is the externally reachable host (and optional port) the
	// provider should open the stream against.
	PublicHost string

	// Token is forwarded as a stream parameter so the media stream can
	// authenticate itself. Empty means auth is disabled.
	Token string

	// Mode tags the call so the bridge picks the matching agent.
	Mode string

	Logger *slog.Logger
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Register mounts the webhook on mux.
func (h *TwiMLHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /voice/inbound", h.ServeHTTP)
}

func (h *TwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// A mode query parameter on the webhook URL overrides the configured
	// default, so one deployment can serve both call flavours.
	mode := h.Mode
	if q := r.URL.Query().Get("mode"); q != "" {
		mode = q
	}

	params := []twimlParam{}
	if h.Token != "" {
		params = append(params, twimlParam{Name: "token", Value: h.Token})
	}
	if mode != "" {
		params = append(params, twimlParam{Name: "mode", Value: mode})
	}
	// The provider posts the caller number as the From form field.
	if from := r.PostFormValue("From"); from != "" {
		params = append(params, twimlParam{Name: "caller_phone", Value: from})
	}

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL:        "wss://" + h.PublicHost + "/ws",
				Parameters: params,
			},
		},
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		logger.Error("twiml marshal failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)

	logger.Info("inbound call answered with stream directive",
		"caller", r.PostFormValue("From"),
		"call_sid", r.PostFormValue("CallSid"),
	)
}
