package login

import (
	"context"
	"errors"

	"github.com/dcrodman/warden/internal/core/auth"
	"github.com/dcrodman/warden/internal/core/crypto"
	"github.com/dcrodman/warden/internal/core/data"
	"github.com/dcrodman/warden/internal/database"
	"github.com/dcrodman/warden/internal/packets"
)

const (
	stageGatherInfo = "gather_info"
	stageLoginProof = "login_proof"
)

func (s *Server) handleGatherInfo(sess *Session, frame []byte) bool {
	pkt, err := packets.DecodeGatherInfo(frame)
	if err != nil {
		sess.logger.Warnf("invalid gather info from %s: %v", sess.conn.RemoteAddr(), err)
		s.Metrics.ProtocolViolations.WithLabelValues("malformed_frame").Inc()
		return false
	}

	sess.account.Username = pkt.Username
	sess.account.Version = pkt.Version

	req := &database.Request{
		Statement: s.queue.Prepare(database.SelectAccountByName, pkt.Username),
		Callback:  sess.callback(func(res *database.Result, err error) bool { return s.onAccountLoaded(sess, res, err) }),
	}
	if err := s.enqueue(req); err != nil {
		sess.logger.Errorf("error looking up account %q: %v", pkt.Username, err)
		return false
	}
	sess.awaiting = true
	return true
}

// onAccountLoaded finishes the GatherInfo step once the account lookup returned.
func (s *Server) onAccountLoaded(sess *Session, res *database.Result, err error) bool {
	if err != nil {
		sess.logger.Errorf("error loading account %q: %v", sess.account.Username, err)
		return false
	}

	result := packets.AuthSuccess
	var account *data.Account
	if res != nil {
		account = res.Account
	}

	switch {
	case account == nil:
		result = packets.AuthFailedUnknownAccount
	case errors.Is(auth.CheckAccess(account), auth.ErrAccountBanned):
		result = packets.AuthFailedAccountBanned
	case sess.account.Version != s.clientVersion:
		result = packets.AuthFailedWrongClientVersion
	case !s.registry.register(account.ID, sess):
		result = packets.AuthFailedUsernameInUse
	}

	s.Metrics.AuthAttempts.WithLabelValues(stageGatherInfo, result.String()).Inc()
	if result != packets.AuthSuccess {
		sess.logger.Infof("gather info for %q from %s failed: %s", sess.account.Username, sess.conn.RemoteAddr(), result)
		sess.conn.QueuePacket(packets.GatherInfoReply{ID: packets.GatherInfoType, Error: result}.Encode())
		return true
	}

	sess.account.AccountID = account.ID
	sess.state = StateLoginAttempt
	sess.conn.QueuePacket(packets.GatherInfoReply{ID: packets.GatherInfoType, Error: result}.Encode())
	return true
}

func (s *Server) handleLoginProof(sess *Session, frame []byte) bool {
	pkt, err := packets.DecodeLoginProof(frame)
	if err != nil {
		sess.logger.Warnf("invalid login proof from %s: %v", sess.conn.RemoteAddr(), err)
		s.Metrics.ProtocolViolations.WithLabelValues("malformed_frame").Inc()
		return false
	}

	ip := sess.conn.RemoteIP()
	if s.lockouts.lockedOut(ip) {
		sess.logger.Warnf("refusing login proof for %q, %s is locked out", sess.account.Username, ip)
		s.Metrics.AuthAttempts.WithLabelValues(stageLoginProof, "locked_out").Inc()
		s.replyProof(sess, packets.ProofFailed, crypto.Key{}, [packets.GreetcodeSize]byte{})
		sess.conn.RequestClose(true)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()

	res, err := s.directDB.Execute(ctx, s.directDB.Prepare(database.CheckPassword, sess.account.AccountID))
	if err != nil {
		sess.logger.Errorf("error checking password of %q: %v", sess.account.Username, err)
		return false
	}

	if !auth.CheckPassword(res.PasswordHash, pkt.Password) {
		return s.rejectProof(sess)
	}

	sess.account.IV.Prefix, err = crypto.DistinctPrefix(s.crypto, pkt.IVPrefix)
	if err != nil {
		sess.logger.Errorf("error generating iv prefix: %v", err)
		return false
	}
	sess.account.IV.ResetCounter()

	if sess.account.SessionKey, err = s.crypto.GenerateSessionKey(); err != nil {
		sess.logger.Errorf("error generating session key: %v", err)
		return false
	}
	greetcode, err := s.crypto.GenerateSessionKey()
	if err != nil {
		sess.logger.Errorf("error generating greetcode: %v", err)
		return false
	}

	deleteSessions := &database.Request{
		Statement:     s.queue.Prepare(database.DeletePreviousSessions, sess.account.AccountID),
		FireAndForget: true,
	}
	insertSession := &database.Request{
		Statement: s.queue.Prepare(
			database.InsertNewSession,
			sess.account.AccountID,
			append([]byte(nil), sess.account.SessionKey[:]...),
			ip,
			append([]byte(nil), greetcode[:]...),
		),
		FireAndForget: true,
	}
	for _, req := range []*database.Request{deleteSessions, insertSession} {
		if err := s.enqueue(req); err != nil {
			sess.logger.Errorf("error storing session of %q: %v", sess.account.Username, err)
			return false
		}
	}

	sess.state = StateAuthed
	s.Metrics.AuthAttempts.WithLabelValues(stageLoginProof, packets.ProofSuccess.String()).Inc()
	sess.logger.Infof("%q authenticated from %s", sess.account.Username, sess.conn.RemoteAddr())
	s.replyProof(sess, packets.ProofSuccess, sess.account.SessionKey, greetcode)
	return true
}

// rejectProof answers a wrong password. The connection is closed once the
// reply went out if the client ran out of attempts.
func (s *Server) rejectProof(sess *Session) bool {
	logEntry := &database.Request{
		Statement: s.queue.Prepare(
			database.InsertWrongPasswordLog,
			sess.conn.RemoteAddr(),
			sess.account.Username,
			data.ActionWrongPassword,
		),
		FireAndForget: true,
	}
	if err := s.enqueue(logEntry); err != nil {
		sess.logger.Warnf("error logging wrong password for %q: %v", sess.account.Username, err)
	}

	failures := s.lockouts.recordFailure(sess.conn.RemoteIP())
	sess.proofAttempts++
	sess.logger.Infof("wrong password for %q from %s (attempt %d, %d from this ip)",
		sess.account.Username, sess.conn.RemoteAddr(), sess.proofAttempts, failures)

	s.Metrics.AuthAttempts.WithLabelValues(stageLoginProof, packets.ProofFailed.String()).Inc()
	s.replyProof(sess, packets.ProofFailed, crypto.Key{}, [packets.GreetcodeSize]byte{})

	if limit := s.Config.AuthServer.MaxProofAttempts; limit > 0 && sess.proofAttempts >= limit {
		sess.conn.RequestClose(true)
	}
	return true
}

func (s *Server) replyProof(sess *Session, result packets.ProofResult, key crypto.Key, greetcode [packets.GreetcodeSize]byte) {
	sess.conn.QueuePacket(packets.NewLoginProofReply(result, key, greetcode).Encode())
}
