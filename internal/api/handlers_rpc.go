package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/payload"
)

// maxRPCBody bounds request bodies on the RPC surface.
const maxRPCBody = 4 << 20

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}
	op := mux.Vars(r)["op"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody+1))
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInvalidPayload, "read body", err))
		return
	}
	if len(body) > maxRPCBody {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "request body too large"))
		return
	}

	p, err := payload.Parse(body)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInvalidPayload, "malformed payload", err))
		return
	}
	if p.Kind() != payload.KindMap {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "payload must be a JSON object"))
		return
	}

	model := ""
	if mv, ok := p.Get("model"); ok {
		model, _ = mv.StringVal()
	}

	resp, err := s.gateway.Dispatch(r.Context(), rc, op, model, p, requestMeta(r, int64(len(body))))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
