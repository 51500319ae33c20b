// Package friends implements the social graph: requests, friendships,
// blocks, search, suggestions, and the cache coherence layer that sits
// between the REST surface and the system of record.
package friends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/presence"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	maxRequestMessageLen = 500
	maxBatchStatusIDs    = 100

	defaultListLimit = 50
	maxListLimit     = 100

	defaultSearchLimit = 20
	maxSearchLimit     = 50

	defaultSuggestionLimit = 10
)

// Service errors the gateway maps onto HTTP statuses. Validation
// failures wrap ErrValidation with a field-named message.
var (
	ErrValidation     = errors.New("invalid request")
	ErrUnavailable    = errors.New("friends service unavailable")
	ErrSelf           = errors.New("cannot perform this action on yourself")
	ErrBlocked        = errors.New("interaction between these users is blocked")
	ErrAlreadyFriends = errors.New("users are already friends")
	ErrRequestExists  = errors.New("a friend request is already pending")
	ErrNotReceiver    = errors.New("only the receiver can act on this request")
	ErrAlreadyHandled = errors.New("friend request was already handled")
)

// Service is the friends-graph application layer: every mutation goes
// through the store and then invalidates the affected cache entries.
type Service struct {
	st       *store.Store
	cache    *Cache
	presence *presence.Batcher
}

// NewService wires the service. The presence batcher is optional and
// only sharpens batch-status responses; the cache is required.
func NewService(st *store.Store, cache *Cache, pb *presence.Batcher) *Service {
	return &Service{st: st, cache: cache, presence: pb}
}

// Enabled reports whether a system of record backs the service.
func (s *Service) Enabled() bool {
	return s != nil && s.st != nil
}

// Cache exposes the coherence layer, for wiring the profile-write hook.
func (s *Service) Cache() *Cache {
	if s == nil {
		return nil
	}
	return s.cache
}

// List returns one page of userID's friends plus the total count.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]*types.UserProfile, int, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	limit = clamp(limit, defaultListLimit, maxListLimit)
	if offset < 0 {
		offset = 0
	}

	if profiles, total, ok := s.cache.GetList(ctx, userID, limit, offset); ok {
		return profiles, total, nil
	}

	profiles, err := s.st.FriendProfiles(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, s.record(ctx, "list", err)
	}
	total, err := s.st.CountFriends(ctx, userID)
	if err != nil {
		return nil, 0, s.record(ctx, "list", err)
	}
	s.cache.SetList(ctx, userID, limit, offset, profiles, total)
	return profiles, total, nil
}

// OnlineCount returns how many of userID's friends are online.
func (s *Service) OnlineCount(ctx context.Context, userID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if n, ok := s.cache.GetOnlineCount(ctx, userID); ok {
		return n, nil
	}
	n, err := s.st.OnlineFriendCount(ctx, userID)
	if err != nil {
		return 0, s.record(ctx, "online_count", err)
	}
	s.cache.SetOnlineCount(ctx, userID, n)
	return n, nil
}

// Pending returns one page of pending requests for userID in the given
// direction: "received" (default) or "sent".
func (s *Service) Pending(ctx context.Context, userID, direction string, limit, offset int) ([]*store.FriendRequest, int, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	switch direction {
	case "":
		direction = "received"
	case "received", "sent":
	default:
		return nil, 0, fmt.Errorf("%w: type must be received or sent", ErrValidation)
	}
	limit = clamp(limit, defaultListLimit, maxListLimit)
	if offset < 0 {
		offset = 0
	}

	if reqs, total, ok := s.cache.GetPending(ctx, userID, direction, limit, offset); ok {
		return reqs, total, nil
	}

	var (
		reqs  []*store.FriendRequest
		total int
		err   error
	)
	if direction == "sent" {
		reqs, err = s.st.SentRequestsBy(ctx, userID, limit, offset)
		if err == nil {
			total, err = s.st.CountSentRequests(ctx, userID)
		}
	} else {
		reqs, err = s.st.PendingRequestsFor(ctx, userID, limit, offset)
		if err == nil {
			total, err = s.st.CountPendingRequests(ctx, userID)
		}
	}
	if err != nil {
		return nil, 0, s.record(ctx, "pending", err)
	}
	s.cache.SetPending(ctx, userID, direction, limit, offset, reqs, total)
	return reqs, total, nil
}

// SendRequest creates a pending friend request. A pending request in
// the opposite direction is accepted instead, since both users have
// now expressed the intent.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID, message string) (*store.FriendRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if senderID == "" || receiverID == "" {
		return nil, fmt.Errorf("%w: senderAuthId and receiverAuthId are required", ErrValidation)
	}
	if senderID == receiverID {
		return nil, ErrSelf
	}
	if len(message) > maxRequestMessageLen {
		return nil, fmt.Errorf("%w: message must be at most %d characters", ErrValidation, maxRequestMessageLen)
	}

	flags, err := s.st.Relations(ctx, senderID, receiverID)
	if err != nil {
		return nil, s.record(ctx, "send_request", err)
	}
	switch {
	case flags.BlockedOut, flags.BlockedIn:
		return nil, ErrBlocked
	case flags.Accepted:
		return nil, ErrAlreadyFriends
	case flags.PendingOut:
		return nil, ErrRequestExists
	case flags.PendingIn:
		// The receiver already asked; treat this as mutual consent.
		prior, err := s.st.PendingRequestBetween(ctx, receiverID, senderID)
		if err != nil {
			return nil, s.record(ctx, "send_request", err)
		}
		accepted, err := s.st.AcceptFriendRequest(ctx, prior.ID)
		if err != nil {
			return nil, s.record(ctx, "send_request", err)
		}
		s.cache.InvalidatePair(ctx, senderID, receiverID)
		s.record(ctx, "send_request", nil)
		logging.Info(ctx, "Crossed friend requests auto-accepted",
			zap.String("sender", senderID), zap.String("receiver", receiverID))
		return accepted, nil
	}

	req, err := s.st.CreateFriendRequest(ctx, senderID, receiverID, strings.TrimSpace(message))
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrRequestExists
		}
		return nil, s.record(ctx, "send_request", err)
	}
	s.cache.InvalidatePair(ctx, senderID, receiverID)
	s.record(ctx, "send_request", nil)
	return req, nil
}

// Accept marks the request accepted and writes the friendship, after
// checking the acting user really is the receiver.
func (s *Service) Accept(ctx context.Context, requestID int64, actingUserID string) (*store.FriendRequest, error) {
	return s.resolveRequest(ctx, "accept_request", requestID, actingUserID, true)
}

// Decline marks the request declined.
func (s *Service) Decline(ctx context.Context, requestID int64, actingUserID string) (*store.FriendRequest, error) {
	return s.resolveRequest(ctx, "decline_request", requestID, actingUserID, false)
}

func (s *Service) resolveRequest(ctx context.Context, op string, requestID int64, actingUserID string, accept bool) (*store.FriendRequest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if actingUserID == "" {
		return nil, fmt.Errorf("%w: acting user id is required", ErrValidation)
	}

	req, err := s.st.GetFriendRequest(ctx, requestID)
	if err != nil {
		return nil, s.record(ctx, op, err)
	}
	if req.ReceiverID != actingUserID {
		return nil, ErrNotReceiver
	}
	if req.Status != store.RequestPending {
		return nil, ErrAlreadyHandled
	}

	if accept {
		req, err = s.st.AcceptFriendRequest(ctx, requestID)
	} else {
		err = s.st.DeclineFriendRequest(ctx, requestID)
		if err == nil {
			req.Status = store.RequestDeclined
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another resolution of the same request.
			return nil, ErrAlreadyHandled
		}
		return nil, s.record(ctx, op, err)
	}
	s.cache.InvalidatePair(ctx, req.SenderID, req.ReceiverID)
	s.record(ctx, op, nil)
	return req, nil
}

// Remove deletes the friendship between two users.
func (s *Service) Remove(ctx context.Context, userID, otherID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if userID == "" || otherID == "" {
		return fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if userID == otherID {
		return ErrSelf
	}
	removed, err := s.st.RemoveFriendship(ctx, userID, otherID)
	if err != nil {
		return s.record(ctx, "remove_friend", err)
	}
	if !removed {
		return store.ErrNotFound
	}
	s.cache.InvalidatePair(ctx, userID, otherID)
	s.record(ctx, "remove_friend", nil)
	return nil
}

// Block records a block, severing any friendship and declining pending
// requests between the pair.
func (s *Service) Block(ctx context.Context, blockerID, blockedID, reason string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if blockerID == "" || blockedID == "" {
		return fmt.Errorf("%w: blockerAuthId and blockedAuthId are required", ErrValidation)
	}
	if blockerID == blockedID {
		return ErrSelf
	}
	if err := s.st.CreateBlock(ctx, blockerID, blockedID, reason); err != nil {
		return s.record(ctx, "block", err)
	}
	s.cache.InvalidatePair(ctx, blockerID, blockedID)
	s.record(ctx, "block", nil)
	return nil
}

// Unblock removes a block.
func (s *Service) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if blockerID == "" || blockedID == "" {
		return fmt.Errorf("%w: blockerAuthId and blockedAuthId are required", ErrValidation)
	}
	removed, err := s.st.RemoveBlock(ctx, blockerID, blockedID)
	if err != nil {
		return s.record(ctx, "unblock", err)
	}
	if !removed {
		return store.ErrNotFound
	}
	s.cache.InvalidatePair(ctx, blockerID, blockedID)
	s.record(ctx, "unblock", nil)
	return nil
}

// Blocked returns the profiles userID has blocked.
func (s *Service) Blocked(ctx context.Context, userID string) ([]*types.UserProfile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	profiles, err := s.st.BlockedProfiles(ctx, userID)
	if err != nil {
		return nil, s.record(ctx, "blocked_list", err)
	}
	return profiles, nil
}

// StatusBetween resolves the friendship status from userID's side.
func (s *Service) StatusBetween(ctx context.Context, userID, otherID string) (Status, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if userID == "" || otherID == "" {
		return "", fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if userID == otherID {
		return StatusSelf, nil
	}
	if cached, ok := s.cache.GetStatus(ctx, userID, otherID); ok {
		return cached, nil
	}
	flags, err := s.st.Relations(ctx, userID, otherID)
	if err != nil {
		return "", s.record(ctx, "status", err)
	}
	status := FromFlags(flags)
	s.cache.SetStatus(ctx, userID, otherID, status)
	return status, nil
}

// Mutual returns the profiles friended by both users.
func (s *Service) Mutual(ctx context.Context, userID, otherID string) ([]*types.UserProfile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if userID == "" || otherID == "" {
		return nil, fmt.Errorf("%w: both user ids are required", ErrValidation)
	}
	if profiles, ok := s.cache.GetMutual(ctx, userID, otherID); ok {
		return profiles, nil
	}
	ids, err := s.st.MutualFriendIDs(ctx, userID, otherID)
	if err != nil {
		return nil, s.record(ctx, "mutual", err)
	}
	profiles, err := s.st.ProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, s.record(ctx, "mutual", err)
	}
	s.cache.SetMutual(ctx, userID, otherID, profiles)
	return profiles, nil
}

// SearchResult pairs a matched profile with its relationship to the
// searching user.
type SearchResult struct {
	Profile *types.UserProfile `json:"profile"`
	Status  Status             `json:"status"`
}

// Search matches profiles by username or display name, annotates each
// with the relationship status, and hides pairs blocked either way.
func (s *Service) Search(ctx context.Context, userID, term string, limit int) ([]SearchResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	term = strings.TrimSpace(term)
	if len(term) < 2 {
		return nil, fmt.Errorf("%w: searchTerm must be at least 2 characters", ErrValidation)
	}
	limit = clamp(limit, defaultSearchLimit, maxSearchLimit)

	profiles, err := s.st.SearchProfiles(ctx, term, limit, 0)
	if err != nil {
		return nil, s.record(ctx, "search", err)
	}

	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != userID {
			ids = append(ids, p.ID)
		}
	}
	relations, err := s.st.BatchRelations(ctx, userID, ids)
	if err != nil {
		return nil, s.record(ctx, "search", err)
	}

	results := make([]SearchResult, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == userID {
			continue
		}
		flags := relations[p.ID]
		if flags.BlockedOut || flags.BlockedIn {
			continue
		}
		results = append(results, SearchResult{Profile: p, Status: FromFlags(flags)})
	}
	return results, nil
}

// BatchStatus returns presence for up to 100 users at once. Pairs
// blocked in either direction are omitted, and the eager presence
// mirror overrides the stored online flag when it is fresher.
func (s *Service) BatchStatus(ctx context.Context, requesterID string, ids []string) (map[string]store.PresenceInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: userIds is required", ErrValidation)
	}
	if len(ids) > maxBatchStatusIDs {
		return nil, fmt.Errorf("%w: at most %d userIds per request", ErrValidation, maxBatchStatusIDs)
	}

	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	info, err := s.st.PresenceInfoByIDs(ctx, unique)
	if err != nil {
		return nil, s.record(ctx, "batch_status", err)
	}
	relations := map[string]store.RelationFlags{}
	if requesterID != "" {
		relations, err = s.st.BatchRelations(ctx, requesterID, unique)
		if err != nil {
			return nil, s.record(ctx, "batch_status", err)
		}
	}

	out := make(map[string]store.PresenceInfo, len(info))
	for id, row := range info {
		flags := relations[id]
		if flags.BlockedOut || flags.BlockedIn {
			continue
		}
		if status, ok := s.presence.Lookup(ctx, types.AuthID(id)); ok {
			row.Status = status
			row.IsOnline = status != types.StatusOffline
		}
		out[id] = row
	}
	return out, nil
}

// UserStats summarizes one user's corner of the graph.
type UserStats struct {
	Friends         int `json:"friends"`
	OnlineFriends   int `json:"onlineFriends"`
	PendingReceived int `json:"pendingReceived"`
	PendingSent     int `json:"pendingSent"`
	Blocked         int `json:"blocked"`
}

// Stats gathers the per-user counters for the stats endpoint.
func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	friends, err := s.st.CountFriends(ctx, userID)
	if err != nil {
		return nil, s.record(ctx, "stats", err)
	}
	online, err := s.OnlineCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	received, err := s.st.CountPendingRequests(ctx, userID)
	if err != nil {
		return nil, s.record(ctx, "stats", err)
	}
	sent, err := s.st.CountSentRequests(ctx, userID)
	if err != nil {
		return nil, s.record(ctx, "stats", err)
	}
	blocked, err := s.st.BlockedIDs(ctx, userID)
	if err != nil {
		return nil, s.record(ctx, "stats", err)
	}
	return &UserStats{
		Friends:         friends,
		OnlineFriends:   online,
		PendingReceived: received,
		PendingSent:     sent,
		Blocked:         len(blocked),
	}, nil
}

// Suggestions proposes friends-of-friends, most shared friends first.
func (s *Service) Suggestions(ctx context.Context, userID string, limit int) ([]*types.UserProfile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	limit = clamp(limit, defaultSuggestionLimit, maxSearchLimit)
	profiles, err := s.st.Suggestions(ctx, userID, limit)
	if err != nil {
		return nil, s.record(ctx, "suggestions", err)
	}
	return profiles, nil
}

// OnDisplayChange purges the friends-list caches of every user
// who lists userID as a friend. Wired to the profile display-change
// hook, since those lists embed the changed name and avatar.
func (s *Service) OnDisplayChange(ctx context.Context, userID string) {
	if s == nil || s.st == nil {
		return
	}
	ids, err := s.st.FriendIDs(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "Could not resolve friends for list invalidation",
			zap.String("auth_id", userID), zap.Error(err))
		return
	}
	for _, id := range ids {
		s.cache.InvalidateListsOf(ctx, id)
	}
}

func (s *Service) ready() error {
	if s == nil || s.st == nil {
		return ErrUnavailable
	}
	return nil
}

// record counts the operation outcome and passes the error through.
func (s *Service) record(ctx context.Context, op string, err error) error {
	status := "ok"
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		status = "error"
		logging.Error(ctx, "Friend operation failed", zap.String("operation", op), zap.Error(err))
	}
	metrics.FriendOperations.WithLabelValues(op, status).Inc()
	return err
}

func clamp(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
