package matchmaker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/edgelobby/edgelobby/coord"
	"github.com/edgelobby/edgelobby/internal/logctx"
	"github.com/edgelobby/edgelobby/provision"
	"github.com/edgelobby/edgelobby/token"
)

const (
	// DefaultMaxSessionCreationTime bounds how long a request may wait
	// for the provider to report a session ready.
	DefaultMaxSessionCreationTime = 30 * time.Second

	// DefaultPollInterval is the sleep between readiness polls.
	DefaultPollInterval = 200 * time.Millisecond
)

// Processor drives one session request from "client wants to play" to
// a ready-to-connect token, streaming progress to the requester.
// Requests are independent; run one Process call per request, as many
// concurrently as needed.
type Processor struct {
	host   coord.Host
	prov   provision.Client
	minter *token.Minter
	log    *slog.Logger

	appName      string
	webhookURL   string
	pollInterval time.Duration
	maxCreation  time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the slog logger. If not provided, slog.Default() is
// used.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

// WithWebhookURL forwards a session webhook URL to the provider on
// session creation.
func WithWebhookURL(url string) ProcessorOption {
	return func(p *Processor) { p.webhookURL = url }
}

// WithPollInterval overrides the readiness poll interval.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.pollInterval = d }
}

// WithMaxSessionCreationTime overrides the readiness budget.
func WithMaxSessionCreationTime(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.maxCreation = d }
}

// NewProcessor builds a Processor for one provider application.
func NewProcessor(host coord.Host, prov provision.Client, minter *token.Minter, appName string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		host:         host,
		prov:         prov,
		minter:       minter,
		appName:      appName,
		log:          slog.Default(),
		pollInterval: DefaultPollInterval,
		maxCreation:  DefaultMaxSessionCreationTime,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxSessionCreationTime returns the configured readiness budget. The
// reaper uses the same bound when aging unclaimed sessions.
func (p *Processor) MaxSessionCreationTime() time.Duration { return p.maxCreation }

// Process handles one raw request payload. The sink always receives a
// terminal SessionReady or Error event followed by Finish; failures
// never propagate to the caller.
func (p *Processor) Process(ctx context.Context, payload []byte, sink FeedbackSink) {
	if err := p.run(ctx, payload, sink); err != nil {
		fb := classifyError(err)
		p.log.ErrorContext(ctx, "processor.request.fail",
			slog.Int("code", int(fb.Code)), slog.String("err", fb.Message))
		if err := sink.Send(ctx, fb); err != nil {
			p.log.ErrorContext(ctx, "processor.feedback.fail", slog.String("err", err.Error()))
		}
	}
	if err := sink.Finish(ctx); err != nil {
		p.log.ErrorContext(ctx, "processor.feedback.fail", slog.String("err", err.Error()))
	}
}

func (p *Processor) run(ctx context.Context, payload []byte, sink FeedbackSink) error {
	if err := sink.Send(ctx, Acknowledged{}); err != nil {
		return err
	}

	req, err := ParseSessionRequest(payload)
	if err != nil {
		return ErrorFeedback{Code: 500, Message: err.Error()}
	}

	created, err := p.prov.CreateSession(ctx, provision.CreateSessionRequest{
		AppName:    p.appName,
		IPList:     []string{req.ClientIP},
		WebhookURL: p.webhookURL,
	})
	if err != nil {
		return err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: created.SessionID})
	p.log.InfoContext(ctx, "processor.session.accepted")

	if err := sink.Send(ctx, SessionRequestAccepted{SessionID: created.SessionID}); err != nil {
		return err
	}

	sess, err := p.awaitReady(ctx, created.SessionID, sink)
	if err != nil {
		return err
	}

	ready, err := p.buildReady(ctx, sess)
	if err != nil {
		return err
	}

	p.log.InfoContext(ctx, "processor.session.ready",
		slog.String("ip", ready.IP), slog.Int("port", int(ready.Port)))
	return sink.Send(ctx, *ready)
}

// awaitReady polls the provider until the session is ready or the
// budget runs out. Every poll upserts the unclaimed-session marker so
// the reaper ages the session from the last touch, not the first.
func (p *Processor) awaitReady(ctx context.Context, sessionID string, sink FeedbackSink) (*provision.Session, error) {
	start := time.Now()
	for {
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return nil, err
		}

		sess, err := p.prov.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}

		report := ProgressReport{Message: fmt.Sprintf("%s (%d)", sess.Status, sess.Elapsed)}
		if err := sink.Send(ctx, report); err != nil {
			return nil, err
		}

		// Any session id we hold must stay tracked for reaping in case
		// the requester vanishes before connecting.
		if err := p.host.UnclaimedSessions().Put(ctx, sess.SessionID, []byte(sess.SessionID)); err != nil {
			return nil, fmt.Errorf("track unclaimed session: %w", err)
		}

		if sess.Ready {
			return sess, nil
		}

		if time.Since(start) > p.maxCreation {
			// The remote session keeps existing; the reaper's
			// unclaimed-marker path deprovisions it.
			return nil, ErrorFeedback{Code: 408, Message: "session still not ready, timed out."}
		}
	}
}

// buildReady turns a ready session into the terminal feedback event:
// picks the connect port, resolves the gameserver's cert digest, mints
// a token, and registers the client<->session mapping.
func (p *Processor) buildReady(ctx context.Context, sess *provision.Session) (*SessionReady, error) {
	if sess.Deployment == nil {
		return nil, ErrorFeedback{Code: 500, Message: "No deployment found"}
	}
	deployment := sess.Deployment

	if len(deployment.Ports) == 0 {
		return nil, ErrorFeedback{Code: 500, Message: "No ports found in deployment"}
	}
	if len(deployment.Ports) > 1 {
		p.log.WarnContext(ctx, "processor.ports.multiple", slog.Int("count", len(deployment.Ports)))
	}
	external := firstPort(deployment.Ports)
	if external < 1 || external > 65535 {
		return nil, ErrorFeedback{Code: 500, Message: fmt.Sprintf("bad deployment port %d", external)}
	}
	port := uint16(external)

	addr, err := netip.ParseAddr(deployment.PublicIP)
	if err != nil {
		return nil, ErrorFeedback{Code: 500, Message: fmt.Sprintf("bad deployment ip %q", deployment.PublicIP)}
	}

	digest, err := p.host.CertDigests().Get(ctx, deployment.PublicIP)
	if err != nil {
		if err == coord.ErrKeyNotFound {
			// The gameserver must announce before its session completes.
			return nil, ErrorFeedback{Code: 500, Message: "No cert digest found"}
		}
		return nil, ErrorFeedback{Code: 500, Message: "cert digest lookup failed"}
	}

	clientID, err := token.GenerateClientID()
	if err != nil {
		return nil, ErrorFeedback{Code: 500, Message: "failed to assign client id"}
	}

	connectToken, err := p.minter.MintBase64(netip.AddrPortFrom(addr, port), clientID)
	if err != nil {
		return nil, ErrorFeedback{Code: 500, Message: "failed to generate connect token"}
	}

	if err := p.registerMapping(ctx, clientID, sess.SessionID); err != nil {
		return nil, ErrorFeedback{Code: 500, Message: "failed to register session mapping"}
	}

	return &SessionReady{
		Token:      connectToken,
		IP:         deployment.PublicIP,
		Port:       port,
		CertDigest: string(digest),
	}, nil
}

// registerMapping stores the bidirectional client<->session mapping.
// Two separate puts, best effort; the entries expire on their own if
// the client never connects.
func (p *Processor) registerMapping(ctx context.Context, clientID uint64, sessionID string) error {
	clientKey := fmt.Sprintf("%d", clientID)
	if err := p.host.ClientSessions().Put(ctx, clientKey, []byte(sessionID)); err != nil {
		return fmt.Errorf("put client->session: %w", err)
	}
	if err := p.host.SessionClients().Put(ctx, sessionID, []byte(clientKey)); err != nil {
		return fmt.Errorf("put session->client: %w", err)
	}
	return nil
}

// firstPort picks the deployment port deterministically: the first
// port name in sorted order. Supporting multiple ports would need the
// port-mapping name stored with the application config.
func firstPort(ports map[string]provision.PortMapping) int {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return ports[names[0]].External
}

// classifyError maps internal failures onto the feedback error
// taxonomy: explicit feedback errors pass through, provider errors
// keep their message for 400/401/409, everything else is a 503.
func classifyError(err error) ErrorFeedback {
	if fb, ok := err.(ErrorFeedback); ok {
		return fb
	}
	if apiErr, ok := provision.AsAPIError(err); ok {
		switch apiErr.Status {
		case 400, 401, 409:
			return ErrorFeedback{Code: uint16(apiErr.Status), Message: apiErr.Message}
		default:
			return ErrorFeedback{Code: 503, Message: "unknown error"}
		}
	}
	return ErrorFeedback{Code: 500, Message: err.Error()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
