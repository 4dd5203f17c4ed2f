package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace-calls/internal/audit"
	"marketplace-calls/internal/notify"
	"marketplace-calls/internal/orders"
	"marketplace-calls/internal/rbac"
)

// Presence answers whether a user is reachable right now.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Membership is the shared set of users in an active call.
type Membership interface {
	IsBusy(ctx context.Context, userID string) (bool, error)
	MarkFree(ctx context.Context, userIDs ...string) error
}

// Transport resolves a user's open connections and delivers events to all of them.
type Transport interface {
	Connections(ctx context.Context, userID string) ([]string, error)
	EmitToUser(ctx context.Context, userID, event string, payload any) error
}

// Directory is the order/user collaborator: authorization plus display metadata.
type Directory interface {
	CanUserActOnOrder(ctx context.Context, userID, role, orderID string) (bool, error)
	Order(ctx context.Context, orderID string) (orders.Order, error)
	Profile(ctx context.Context, userID string) (orders.Profile, error)
}

// Journal receives best-effort lifecycle entries.
type Journal interface {
	Append(ctx context.Context, e audit.Event) error
}

type Options struct {
	RingTimeout time.Duration
	ActiveTTL   time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if o.ActiveTTL <= 0 {
		o.ActiveTTL = time.Hour
	}
	return o
}

// Deps are the collaborators of the coordinator. Journal may be nil.
type Deps struct {
	Repo       Repository
	Sessions   *SessionStore
	Presence   Presence
	Membership Membership
	Transport  Transport
	Directory  Directory
	Notifier   notify.Dispatcher
	Journal    Journal
	Log        *slog.Logger
}

// Service is the call session coordinator. Construct one per process and
// pass it to the HTTP layer and the websocket disconnect hook.
type Service struct {
	repo       Repository
	sessions   *SessionStore
	presence   Presence
	membership Membership
	transport  Transport
	directory  Directory
	notifier   notify.Dispatcher
	journal    Journal
	log        *slog.Logger

	opts  Options
	clock func() time.Time

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
}

func NewService(d Deps, opts Options) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:       d.Repo,
		sessions:   d.Sessions,
		presence:   d.Presence,
		membership: d.Membership,
		transport:  d.Transport,
		directory:  d.Directory,
		notifier:   d.Notifier,
		journal:    d.Journal,
		log:        log,
		opts:       opts.withDefaults(),
		clock:      time.Now,
		timers:     map[string]*time.Timer{},
	}
}

// InitiateCall places a call from the caller to the order counterpart.
// Preconditions are checked in a fixed order and the first failure is
// returned without writing anything.
func (s *Service) InitiateCall(ctx context.Context, req InitiateRequest) (string, error) {
	if req.OrderID == "" || req.CallerID == "" || req.RecipientID == "" || req.CallerID == req.RecipientID {
		return "", ErrInvalidArgument
	}
	if !rbac.IsParty(string(req.CallerType)) {
		return "", ErrNotAuthorized
	}
	if req.RecipientType == "" {
		req.RecipientType = PartyType(rbac.Counterpart(string(req.CallerType)))
	}

	ok, err := s.directory.CanUserActOnOrder(ctx, req.CallerID, string(req.CallerType), req.OrderID)
	if err != nil {
		return "", fmt.Errorf("authorize caller: %w", err)
	}
	if !ok {
		return "", ErrNotAuthorized
	}
	order, err := s.directory.Order(ctx, req.OrderID)
	if err != nil {
		s.log.Warn("order lookup failed", "order_id", req.OrderID, "err", err)
	} else if !order.HasParty(req.RecipientID, string(req.RecipientType)) {
		return "", ErrNotAuthorized
	}

	online, err := s.presence.IsOnline(ctx, req.RecipientID)
	if err != nil {
		s.log.Warn("presence lookup failed", "user_id", req.RecipientID, "err", err)
	}
	if !online {
		return "", ErrRecipientOffline
	}

	busy, err := s.membership.IsBusy(ctx, req.CallerID)
	if err != nil {
		return "", fmt.Errorf("%w: busy check: %v", ErrStoreUnavailable, err)
	}
	if busy {
		return "", ErrCallerBusy
	}
	busy, err = s.membership.IsBusy(ctx, req.RecipientID)
	if err != nil {
		return "", fmt.Errorf("%w: busy check: %v", ErrStoreUnavailable, err)
	}
	if busy {
		return "", ErrRecipientBusy
	}

	conns, err := s.transport.Connections(ctx, req.RecipientID)
	if err != nil {
		s.log.Warn("connection lookup failed", "user_id", req.RecipientID, "err", err)
	}
	if len(conns) == 0 {
		return "", ErrRecipientUnreachable
	}

	now := s.clock().UTC()
	callID := uuid.NewString()
	rec := CallRecord{
		ID:            callID,
		OrderID:       req.OrderID,
		CallerID:      req.CallerID,
		CallerType:    req.CallerType,
		RecipientID:   req.RecipientID,
		RecipientType: req.RecipientType,
		Status:        CallStatusInitiating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: create record: %v", ErrStoreUnavailable, err)
	}

	sess := Session{
		CallID:      callID,
		OrderID:     req.OrderID,
		CallerID:    req.CallerID,
		RecipientID: req.RecipientID,
		Status:      SessionInitiating,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.RingTimeout),
	}
	if err := s.sessions.Create(ctx, sess, s.opts.RingTimeout); err != nil {
		// Without a session the call can never be accepted; close the record now.
		s.log.Error("create call session failed", "call_id", callID, "err", err)
		if _, ferr := s.repo.Finish(ctx, callID, Finish{
			Status: CallStatusEnded,
			Reason: EndReasonConnectionError,
			At:     now,
			From:   []CallStatus{CallStatusInitiating},
		}); ferr != nil {
			s.log.Error("close orphaned call record failed", "call_id", callID, "err", ferr)
		}
		return "", fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}
	s.armTimer(callID, s.opts.RingTimeout)

	callerName, callerImage := s.displayProfile(ctx, req.CallerID)
	s.emit(ctx, req.RecipientID, EventIncoming, incomingEvent{
		CallID:             callID,
		CallerID:           req.CallerID,
		CallerType:         req.CallerType,
		CallerName:         callerName,
		CallerProfileImage: callerImage,
		RecipientID:        req.RecipientID,
		RecipientType:      req.RecipientType,
		OrderID:            req.OrderID,
		OrderNumber:        order.Number,
		Timestamp:          now,
	})
	// Presence may be stale, so the push goes out even with open connections.
	s.push(ctx, notify.Notification{
		UserID: req.RecipientID,
		Kind:   notify.KindIncomingCall,
		Title:  "Incoming call",
		Body:   fmt.Sprintf("%s is calling about order %s", orDefault(callerName, "Someone"), orDefault(order.Number, req.OrderID)),
		Data:   map[string]string{"call_id": callID, "order_id": req.OrderID, "caller_id": req.CallerID},
	})
	s.record(ctx, audit.Event{
		Type:        audit.EventCallInitiated,
		CallID:      callID,
		OrderID:     req.OrderID,
		ActorUserID: req.CallerID,
		ActorRole:   string(req.CallerType),
		Metadata:    hintMetadata(req.CallerConnHint),
	})

	s.log.Info("call initiated", "call_id", callID, "order_id", req.OrderID, "caller_id", req.CallerID, "recipient_id", req.RecipientID)
	return callID, nil
}

// AcceptCall activates a ringing call. Only the recipient may accept.
// A call whose session is gone returns ErrSessionResolved.
func (s *Service) AcceptCall(ctx context.Context, callID, acceptedBy string) error {
	if err := validateCallID(callID); err != nil {
		return err
	}
	sess, found, err := s.sessions.Get(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: load session: %v", ErrStoreUnavailable, err)
	}
	if !found {
		return ErrSessionResolved
	}
	if sess.RecipientID != acceptedBy {
		return ErrNotParticipant
	}

	now := s.clock().UTC()
	if err := s.sessions.Activate(ctx, callID, s.opts.ActiveTTL, now); err != nil {
		if errors.Is(err, errSessionGone) || errors.Is(err, errSessionActive) {
			return ErrSessionResolved
		}
		return fmt.Errorf("%w: activate session: %v", ErrStoreUnavailable, err)
	}
	s.cancelTimer(callID)

	if ok, err := s.repo.MarkActive(ctx, callID, now); err != nil {
		s.log.Error("mark call active failed", "call_id", callID, "err", err)
	} else if !ok {
		s.log.Warn("call record was not ringing at accept", "call_id", callID)
	}
	// Both parties were marked busy by Activate, so a hangup or disconnect
	// racing this accept ends the call and clears the session.
	if _, found, err := s.sessions.Get(ctx, callID); err == nil && !found {
		return ErrSessionResolved
	}

	// Handles captured earlier may be stale; resolve them now.
	ev := acceptedEvent{
		CallID:              callID,
		AcceptedBy:          acceptedBy,
		AcceptedAt:          now,
		CallerConnHandle:    s.currentHandle(ctx, sess.CallerID),
		RecipientConnHandle: s.currentHandle(ctx, sess.RecipientID),
	}
	s.emit(ctx, sess.CallerID, EventAccepted, ev)
	s.emit(ctx, sess.RecipientID, EventAccepted, ev)
	s.record(ctx, audit.Event{
		Type:        audit.EventCallAccepted,
		CallID:      callID,
		OrderID:     sess.OrderID,
		ActorUserID: acceptedBy,
	})

	s.log.Info("call accepted", "call_id", callID, "accepted_by", acceptedBy)
	return nil
}

// GetCall returns the durable record to one of its participants.
func (s *Service) GetCall(ctx context.Context, callID, userID string) (CallRecord, error) {
	if err := validateCallID(callID); err != nil {
		return CallRecord{}, err
	}
	rec, err := s.repo.FindByID(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return CallRecord{}, ErrCallNotFound
		}
		return CallRecord{}, fmt.Errorf("%w: find record: %v", ErrStoreUnavailable, err)
	}
	if !rec.HasParticipant(userID) {
		// Do not leak existence to outsiders.
		return CallRecord{}, ErrCallNotFound
	}
	return rec, nil
}

// ListOrderCalls returns the call history of an order to a party of that order.
func (s *Service) ListOrderCalls(ctx context.Context, orderID, userID, role string, limit int) ([]CallRecord, error) {
	if orderID == "" {
		return nil, ErrInvalidArgument
	}
	ok, err := s.directory.CanUserActOnOrder(ctx, userID, role, orderID)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	recs, err := s.repo.ListByOrder(ctx, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// parties resolves caller and recipient from the live session, falling back
// to the durable record once the session is gone.
func (s *Service) parties(ctx context.Context, callID string, sess *Session) (caller, recipient, orderID string, err error) {
	if sess != nil {
		return sess.CallerID, sess.RecipientID, sess.OrderID, nil
	}
	rec, err := s.repo.FindByID(ctx, callID)
	if err != nil {
		return "", "", "", err
	}
	return rec.CallerID, rec.RecipientID, rec.OrderID, nil
}

// loadSession reads the live session, treating a store failure as "absent"
// so callers continue with the durable fallback.
func (s *Service) loadSession(ctx context.Context, callID string) *Session {
	sess, found, err := s.sessions.Get(ctx, callID)
	if err != nil {
		s.log.Warn("load call session failed, using durable record", "call_id", callID, "err", err)
		return nil
	}
	if !found {
		return nil
	}
	return &sess
}

func (s *Service) currentHandle(ctx context.Context, userID string) string {
	conns, err := s.transport.Connections(ctx, userID)
	if err != nil {
		s.log.Warn("connection lookup failed", "user_id", userID, "err", err)
		return ""
	}
	if len(conns) == 0 {
		return ""
	}
	return conns[0]
}

func (s *Service) displayProfile(ctx context.Context, userID string) (string, string) {
	p, err := s.directory.Profile(ctx, userID)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			s.log.Warn("profile lookup failed", "user_id", userID, "err", err)
		}
		return "", ""
	}
	return p.Name, p.ProfileImage
}

func (s *Service) emit(ctx context.Context, userID, event string, payload any) {
	if userID == "" {
		return
	}
	if err := s.transport.EmitToUser(ctx, userID, event, payload); err != nil {
		s.log.Warn("emit call event failed", "user_id", userID, "event", event, "err", err)
	}
}

func (s *Service) push(ctx context.Context, n notify.Notification) {
	if s.notifier == nil || n.UserID == "" {
		return
	}
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.Warn("push dispatch failed", "user_id", n.UserID, "kind", n.Kind, "err", err)
	}
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, e); err != nil {
		s.log.Warn("call journal append failed", "call_id", e.CallID, "type", e.Type, "err", err)
	}
}

func validateCallID(callID string) error {
	if _, err := uuid.Parse(callID); err != nil {
		return ErrInvalidCallID
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func hintMetadata(hint string) string {
	if hint == "" {
		return ""
	}
	b, _ := json.Marshal(map[string]string{"caller_conn_hint": hint})
	return string(b)
}
