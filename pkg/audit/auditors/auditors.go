// Package auditors resolves "changed by" attribution for audit events
// through an ordered chain of pluggable auditors.
package auditors

import (
	"fmt"
	"os/exec"
	"os/user"
	"strings"
	"sync/atomic"

	"fieldaudit/pkg/audit"
	"fieldaudit/pkg/auditcontext"
)

// Auditor inspects an optional request descriptor and returns attribution it
// knows how to provide. A nil return means "no opinion" and defers to the
// next auditor in the chain; a non-nil return — including an empty payload —
// is final and stops the chain.
type Auditor interface {
	ChangeContext(req *auditcontext.Request) audit.ChangeContext
}

// Dispatcher walks the auditor chain in order and returns the first non-nil
// change context, or nil when the chain is exhausted.
type Dispatcher struct {
	auditors []Auditor
}

// NewDispatcher builds a dispatcher from an explicit chain. Nil entries are a
// configuration error.
func NewDispatcher(chain ...Auditor) (*Dispatcher, error) {
	for i, a := range chain {
		if a == nil {
			return nil, fmt.Errorf("auditor chain entry %d is nil", i)
		}
	}
	return &Dispatcher{auditors: chain}, nil
}

// Default returns the standard chain: request attribution first, system user
// attribution as fallback.
func Default() *Dispatcher {
	return &Dispatcher{auditors: []Auditor{NewRequestAuditor(), NewSystemUserAuditor()}}
}

// FromNames builds a dispatcher from configured auditor names. Recognized
// names: "request", "system". Unknown names are a configuration error.
func FromNames(names []string) (*Dispatcher, error) {
	if len(names) == 0 {
		return Default(), nil
	}
	chain := make([]Auditor, 0, len(names))
	for _, name := range names {
		switch name {
		case "request":
			chain = append(chain, NewRequestAuditor())
		case "system":
			chain = append(chain, NewSystemUserAuditor())
		default:
			return nil, fmt.Errorf("unknown auditor %q (want \"request\" or \"system\")", name)
		}
	}
	return &Dispatcher{auditors: chain}, nil
}

// Dispatch implements audit.Dispatcher.
func (d *Dispatcher) Dispatch(req *auditcontext.Request) audit.ChangeContext {
	for _, auditor := range d.auditors {
		if cc := auditor.ChangeContext(req); cc != nil {
			return cc
		}
	}
	return nil
}

// RequestAuditor attributes changes to the authenticated request user.
type RequestAuditor struct{}

func NewRequestAuditor() *RequestAuditor { return &RequestAuditor{} }

// ChangeContext returns the request user when one is authenticated. With no
// request at all it defers; with a request but no identifiable user it
// returns an empty payload, short-circuiting the chain: there was a request,
// so falling through to system attribution would be wrong.
func (a *RequestAuditor) ChangeContext(req *auditcontext.Request) audit.ChangeContext {
	if req == nil {
		return nil
	}
	if req.Authenticated {
		return audit.ChangeContext{
			"user_type": audit.UserTypeRequest,
			"username":  req.Username,
		}
	}
	return audit.ChangeContext{}
}

// SystemUserAuditor attributes changes made outside a request (shells,
// cron, migrations) to an OS identity: the owner of the controlling terminal
// when one exists, otherwise the owner of the current process.
type SystemUserAuditor struct {
	// whoFailed remembers a failed "who" invocation for the lifetime of the
	// auditor so the subprocess isn't retried on every write.
	whoFailed atomic.Bool

	runWho      func() ([]byte, error)
	currentUser func() (*user.User, error)
}

func NewSystemUserAuditor() *SystemUserAuditor {
	return &SystemUserAuditor{
		runWho: func() ([]byte, error) {
			// Owner of the STDIN file on login sessions (e.g. SSH).
			return exec.Command("who", "-m").Output()
		},
		currentUser: user.Current,
	}
}

// ChangeContext ignores the request descriptor; this auditor only answers
// for non-request writes reached through the chain.
func (a *SystemUserAuditor) ChangeContext(_ *auditcontext.Request) audit.ChangeContext {
	if username := a.ttyOwner(); username != "" {
		return audit.ChangeContext{
			"user_type": audit.UserTypeTTY,
			"username":  username,
		}
	}
	if u, err := a.currentUser(); err == nil && u.Username != "" {
		return audit.ChangeContext{
			"user_type": audit.UserTypeProcess,
			"username":  u.Username,
		}
	}
	return nil
}

func (a *SystemUserAuditor) ttyOwner() string {
	if a.whoFailed.Load() {
		return ""
	}
	output, err := a.runWho()
	if err != nil {
		a.whoFailed.Store(true)
		return ""
	}
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
