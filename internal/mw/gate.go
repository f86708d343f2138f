package mw

import (
	"net/http"

	"github.com/3xpluto/go-request-gate/internal/gate"
)

// Gate evaluates every request and hands the decision to the responder, which
// either answers directly or forwards to next.
func Gate(g *gate.Gate, rs *gate.Responder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Evaluate(r.Context(), r)
		SetRoute(r.Context(), string(d.Route.Class))
		setDecision(r.Context(), d.Outcome.String()+":"+d.Reason)
		rs.Write(w, r, d, next)
	})
}
