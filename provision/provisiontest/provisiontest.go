// Package provisiontest provides a scriptable in-memory
// provision.Client for tests.
package provisiontest

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgelobby/edgelobby/provision"
)

// Fake is an in-memory provisioning API. The zero value is usable: it
// provisions sessions that become ready on the first poll with a
// single default deployment.
type Fake struct {
	mu sync.Mutex

	// ReadyAfterPolls is how many GetSession calls a session stays
	// unready for. Negative means never ready.
	ReadyAfterPolls int
	// Deployment handed out once a session is ready. Nil gets a
	// default of 9.9.9.9 with one port 31500.
	Deployment *provision.Deployment
	// CreateErr, when set, is returned from CreateSession.
	CreateErr error
	// DeleteErrs maps session ids to the error DeleteSession returns
	// for them. Missing ids succeed.
	DeleteErrs map[string]error
	// Apps registered for preflight lookups, keyed "name" and
	// "name/version".
	Apps        map[string]*provision.Application
	AppVersions map[string]*provision.AppVersion

	nextID      int
	sessions    map[string]*sessionState
	CreateCalls []provision.CreateSessionRequest
	DeleteCalls []string
}

type sessionState struct {
	polls  int
	status provision.Status
}

var _ provision.Client = (*Fake)(nil)

func defaultDeployment() *provision.Deployment {
	return &provision.Deployment{
		PublicIP: "9.9.9.9",
		Ports:    map[string]provision.PortMapping{"game": {Internal: 7777, External: 31500}},
	}
}

func (f *Fake) CreateSession(_ context.Context, req provision.CreateSessionRequest) (*provision.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls = append(f.CreateCalls, req)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("fake%04d-S", f.nextID)
	if f.sessions == nil {
		f.sessions = make(map[string]*sessionState)
	}
	f.sessions[id] = &sessionState{status: provision.StatusRequested}
	return &provision.Session{SessionID: id, Status: provision.StatusRequested}, nil
}

func (f *Fake) GetSession(_ context.Context, sessionID string) (*provision.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[sessionID]
	if !ok {
		return nil, &provision.APIError{Status: 404, Message: "session not found"}
	}
	st.polls++

	sess := &provision.Session{
		SessionID: sessionID,
		Status:    provision.StatusDeploying,
		Elapsed:   st.polls,
	}
	if f.ReadyAfterPolls >= 0 && st.polls > f.ReadyAfterPolls {
		sess.Status = provision.StatusReady
		sess.Ready = true
		if f.Deployment != nil {
			sess.Deployment = f.Deployment
		} else {
			sess.Deployment = defaultDeployment()
		}
	}
	return sess, nil
}

func (f *Fake) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls = append(f.DeleteCalls, sessionID)
	if err, ok := f.DeleteErrs[sessionID]; ok {
		return err
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *Fake) GetApplication(_ context.Context, appName string) (*provision.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app, ok := f.Apps[appName]; ok {
		return app, nil
	}
	return nil, &provision.APIError{Status: 404, Message: "application not found"}
}

func (f *Fake) GetAppVersion(_ context.Context, appName, version string) (*provision.AppVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.AppVersions[appName+"/"+version]; ok {
		return v, nil
	}
	return nil, &provision.APIError{Status: 404, Message: "version not found"}
}

// DeleteCallsFor counts deletions recorded for one session id.
func (f *Fake) DeleteCallsFor(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.DeleteCalls {
		if id == sessionID {
			n++
		}
	}
	return n
}
