package calls

import "context"

// HandleDisconnect reacts to a connection of userID closing. If the user is
// in an active call, every live session naming them is ended with a
// connection error. The user is freed afterwards whatever the scan found.
func (s *Service) HandleDisconnect(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	defer func() {
		if err := s.membership.MarkFree(ctx, userID); err != nil {
			s.log.Warn("free disconnected user failed", "user_id", userID, "err", err)
		}
	}()

	busy, err := s.membership.IsBusy(ctx, userID)
	if err != nil {
		s.log.Warn("busy check on disconnect failed, scanning anyway", "user_id", userID, "err", err)
		busy = true
	}
	if !busy {
		return
	}

	sessions, err := s.sessions.FindByUser(ctx, userID)
	if err != nil {
		s.log.Error("session scan on disconnect failed", "user_id", userID, "err", err)
		return
	}
	now := s.clock().UTC()
	for _, sess := range sessions {
		if sess.Status != SessionActive {
			continue
		}
		s.log.Info("ending call after disconnect", "call_id", sess.CallID, "user_id", userID)
		s.endCall(ctx, sess.CallID, userID, sess.CallerID, sess.RecipientID, sess.OrderID,
			durationSince(sess.CreatedAt, now), EndReasonConnectionError)
	}
}
