package adapter

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fanengagement/chainadp/lib/chain/remote"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/rest"
)

// reply writes the envelope and logs failures. Client errors are logged at debug level.
func (s *Service) reply(rw http.ResponseWriter, r *http.Request, body interface{}, err error) {
	if err != nil {
		ev := s.log.Debug()
		if !types.IsPermanent(err) {
			ev = s.log.Warn()
		}

		ev.Err(err).Str("uri", r.RequestURI).Msg("adapter request failed")
	}

	rest.Reply(rw, 0, body, err)
}

// healthHandler replies ok when the chain answers.
func (s *Service) healthHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() {
		if err != nil {
			s.reply(rw, r, nil, err)

			return
		}

		s.reply(rw, r, map[string]string{"status": "ok", "adapter": s.a.Name()}, nil)
	}()

	err = s.a.Health(r.Context())
}

// mintHandler creates (or returns) the mint of a share type.
func (s *Service) mintHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		req types.MintRequest
		rec types.MintRecord
	)

	defer func() { s.reply(rw, r, rec, err) }()

	if err = rest.Decode(r, &req); err != nil {
		return
	}

	rec, err = s.a.CreateTokenMint(r.Context(), req)
}

// issueHandler issues shares.
func (s *Service) issueHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		req types.IssueRequest
		ref types.TxRef
	)

	defer func() { s.reply(rw, r, ref, err) }()

	if err = rest.Decode(r, &req); err != nil {
		return
	}

	ref, err = s.a.IssueShares(r.Context(), req)
}

// commitHandler commits a governance event hash.
func (s *Service) commitHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		req types.CommitRequest
		ref types.TxRef
	)

	defer func() { s.reply(rw, r, ref, err) }()

	if err = rest.Decode(r, &req); err != nil {
		return
	}

	ref, err = s.a.CommitProposalEvent(r.Context(), req)
}

// txStatusHandler replies the confirmation status of a transaction.
func (s *Service) txStatusHandler(rw http.ResponseWriter, r *http.Request) {
	status, err := s.a.GetTransactionStatus(r.Context(), types.TxRef{Signature: mux.Vars(r)["signature"]})
	if err != nil {
		s.reply(rw, r, nil, err)

		return
	}

	s.reply(rw, r, remote.StatusReply{Status: status}, nil)
}

// accountHandler replies the chain state of an address.
func (s *Service) accountHandler(rw http.ResponseWriter, r *http.Request) {
	info, err := s.a.GetAccountInfo(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.reply(rw, r, nil, err)

		return
	}

	s.reply(rw, r, info, nil)
}

// commitmentHandler replies the commitment written by a transaction.
func (s *Service) commitmentHandler(rw http.ResponseWriter, r *http.Request) {
	c, err := s.a.GetCommitment(r.Context(), types.TxRef{Signature: mux.Vars(r)["signature"]})
	if err != nil {
		s.reply(rw, r, nil, err)

		return
	}

	s.reply(rw, r, c, nil)
}
