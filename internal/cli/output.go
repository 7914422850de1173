package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-print"
)

// printer writes command results in the selected format. It is safe for
// concurrent use so coordinator updates can interleave with shell output.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

type statePayload struct {
	State  string                `json:"state"`
	Record *authstate.UserRecord `json:"record,omitempty"`
	Phase  string                `json:"phase,omitempty"`
	Watch  string                `json:"watch_error,omitempty"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (p *printer) state(prefix string, state authstate.CurrentUserState) {
	payload := statePayload{State: "none"}
	if state.IsPresent() {
		payload.State = "present"
		payload.Record = state.Record()
		payload.Record.CredentialDigest = ""
	}
	p.emit(payload, func() string {
		return prefix + describe(state)
	})
}

func (p *printer) status(coord *authstate.Coordinator) {
	state := coord.Current()
	payload := statePayload{
		State: "none",
		Phase: coord.Phase().String(),
		Watch: coord.LastWatchError(),
	}
	if state.IsPresent() {
		payload.State = "present"
		payload.Record = state.Record()
		payload.Record.CredentialDigest = ""
	}
	p.emit(payload, func() string {
		line := "state: " + describe(state) + " phase=" + payload.Phase
		if payload.Watch != "" {
			line += fmt.Sprintf(" watch_error=%q", payload.Watch)
		}
		return line
	})
}

func (p *printer) failure(err error) {
	kind := authstate.KindOf(err)
	payload := errorPayload{Error: "failed", Kind: string(kind), Message: err.Error()}
	p.emit(payload, func() string {
		return fmt.Sprintf("error [%s]: %s", kind, err.Error())
	})
}

func (p *printer) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.emit(map[string]string{"notice": msg}, func() string { return msg })
}

func (p *printer) emit(payload any, text func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == "json" {
		fmt.Fprintln(p.w, print.MaybePrettyJSON(payload))
		return
	}
	fmt.Fprintln(p.w, text())
}

func describe(state authstate.CurrentUserState) string {
	if !state.IsPresent() {
		return "None"
	}
	rec := state.Record()
	return fmt.Sprintf("%s email=%s name=%q", state.String(), rec.Email, rec.DisplayName)
}
