// Package remote implements a chain adapter backed by an adapter service, so that each chain can be deployed and
// scaled on its own.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
)

// Adapter service routes.
const (
	PathMints        = "/v1/adapter/mints"
	PathIssuances    = "/v1/adapter/issuances"
	PathCommits      = "/v1/adapter/commits"
	PathTransactions = "/v1/adapter/transactions/"
	PathAccounts     = "/v1/adapter/accounts/"
	PathCommitments  = "/v1/adapter/commitments/"
	PathHealth       = "/health"
)

// StatusReply is the body of a transaction status request.
type StatusReply struct {
	Status types.TxStatus `json:"status"`
}

// Remote calls an adapter service over HTTP.
type Remote struct {
	name   string
	base   string
	apiKey string
	hc     *http.Client
	log    zerolog.Logger
}

// New returns a client for the adapter service at the first node url of c.
func New(c config.AdapterConfig, log zerolog.Logger) (*Remote, error) {
	if len(c.Nodes) == 0 {
		return nil, fmt.Errorf("no adapter service url for %s", c.Name)
	}

	if _, err := url.ParseRequestURI(c.Nodes[0]); err != nil {
		return nil, fmt.Errorf("invalid adapter service url %q: %w", c.Nodes[0], err)
	}

	return &Remote{
		name:   c.Name,
		base:   strings.TrimSuffix(c.Nodes[0], "/"),
		apiKey: c.APIKey,
		hc:     &http.Client{Timeout: time.Minute},
		log:    log.With().Str("adapter", c.Name).Str("kind", "remote").Logger(),
	}, nil
}

// Name of the adapter.
func (r *Remote) Name() string { return r.name }

// Close releases idle connections.
func (r *Remote) Close() { r.hc.CloseIdleConnections() }

// do sends a request and decodes the envelope body into out. Error codes are mapped back to the error taxonomy.
func (r *Remote) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}

		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", context.DeadlineExceeded, path)
		}

		return types.Unavailable(path, err)
	}
	defer resp.Body.Close()

	var res types.Response
	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return types.Unavailable(path, fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}

	if res.Code != types.CodeNone || res.Error != "" {
		r.log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("code", string(res.Code)).
			Msg(res.Error)

		if res.Code == types.CodeNone || res.Code == types.CodeInternal {
			return fmt.Errorf("adapter service: %s", res.Error)
		}

		err = types.FromCode(res.Code, res.Error)

		var ref types.TxRef
		if len(res.Body) > 0 && json.Unmarshal(res.Body, &ref) == nil && ref.Signature != "" {
			return &types.SubmitError{Ref: ref, Err: err}
		}

		return err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return types.Unavailable(path, fmt.Errorf("status %d", resp.StatusCode))
	}

	if out == nil || len(res.Body) == 0 {
		return nil
	}

	return json.Unmarshal(res.Body, out)
}

// CreateTokenMint requests a mint from the adapter service.
func (r *Remote) CreateTokenMint(ctx context.Context, req types.MintRequest) (m types.MintRecord, err error) {
	err = r.do(ctx, http.MethodPost, PathMints, req, &m)

	return
}

// IssueShares requests an issuance from the adapter service.
func (r *Remote) IssueShares(ctx context.Context, req types.IssueRequest) (ref types.TxRef, err error) {
	err = r.do(ctx, http.MethodPost, PathIssuances, req, &ref)

	return
}

// CommitProposalEvent requests a commit from the adapter service.
func (r *Remote) CommitProposalEvent(ctx context.Context, req types.CommitRequest) (ref types.TxRef, err error) {
	err = r.do(ctx, http.MethodPost, PathCommits, req, &ref)

	return
}

// GetTransactionStatus asks the adapter service for the status of a transaction.
func (r *Remote) GetTransactionStatus(ctx context.Context, ref types.TxRef) (types.TxStatus, error) {
	var s StatusReply
	if err := r.do(ctx, http.MethodGet, PathTransactions+url.PathEscape(ref.Signature), nil, &s); err != nil {
		return "", err
	}

	return s.Status, nil
}

// GetAccountInfo asks the adapter service for an account.
func (r *Remote) GetAccountInfo(ctx context.Context, address string) (a types.AccountInfo, err error) {
	err = r.do(ctx, http.MethodGet, PathAccounts+url.PathEscape(address), nil, &a)

	return
}

// GetCommitment asks the adapter service for a commitment.
func (r *Remote) GetCommitment(ctx context.Context, ref types.TxRef) (c types.Commitment, err error) {
	err = r.do(ctx, http.MethodGet, PathCommitments+url.PathEscape(ref.Signature), nil, &c)

	return
}

// Health checks the adapter service, which in turn checks its chain.
func (r *Remote) Health(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, PathHealth, nil, nil)
}
