package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/rest"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ActionExport is the audit action of an export.
const ActionExport = "audit.exported"

var csvHeader = []string{ //nolint:gochecknoglobals
	"id", "seq", "orgId", "timestamp", "actor", "action", "resourceType", "resourceId", "correlationId", "outcome",
	"before", "after", "prevHash", "hash",
}

// limiter gives each key a token bucket of n tokens refilled over window.
type limiter struct {
	mu     sync.Mutex
	n      int
	window time.Duration
	now    func() time.Time
	keys   map[string]*rate.Limiter
}

func newLimiter(n int, window time.Duration) *limiter {
	return &limiter{n: n, window: window, now: time.Now, keys: make(map[string]*rate.Limiter)}
}

// Allow takes a token of key and reports whether there was one. n < 1 disables the limit.
func (l *limiter) Allow(key string) bool {
	if l.n < 1 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	lim, ok := l.keys[key]
	if !ok {
		// full buckets hold nothing worth keeping
		for k, o := range l.keys {
			if o.TokensAt(now) >= float64(l.n) {
				delete(l.keys, k)
			}
		}

		lim = rate.NewLimiter(rate.Every(l.window/time.Duration(l.n)), l.n)
		l.keys[key] = lim
	}

	return lim.AllowN(now, 1)
}

// API serves audit queries and exports.
type API struct {
	l        *Logger
	limit    *limiter
	pageSize int
	log      zerolog.Logger
}

// NewAPI returns the audit http handlers.
func NewAPI(l *Logger, c config.AuditConfig, log zerolog.Logger) *API {
	size := c.PageSize
	if size < 1 || size > MaxLimit {
		size = MaxLimit
	}

	return &API{
		l:        l,
		limit:    newLimiter(c.ExportPerHour, time.Hour),
		pageSize: size,
		log:      log.With().Str("component", "audit-api").Logger(),
	}
}

// Routes registers the handlers on an authenticated router.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/organizations/{orgId}/audit-events", a.queryHandler).Methods(http.MethodGet)
	r.HandleFunc("/organizations/{orgId}/audit-events/export", a.exportHandler).Methods(http.MethodGet)
	r.HandleFunc("/organizations/{orgId}/audit-events/verify", a.verifyHandler).Methods(http.MethodGet)
}

func principal(r *http.Request) string {
	if p, ok := apikey.FromContext(r.Context()); ok {
		return p.Name
	}

	return "anonymous"
}

func parseTime(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return t, types.Invalidf("%s %q is not an RFC3339 time", name, s)
	}

	return t, nil
}

// filter reads the query string filters of a request.
func filter(r *http.Request) (f Filter, err error) {
	q := r.URL.Query()

	f = Filter{
		OrgID:        mux.Vars(r)["orgId"],
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		Cursor:       q.Get("cursor"),
	}

	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return
	}

	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return
	}

	if l := q.Get("limit"); l != "" {
		if f.Limit, err = strconv.Atoi(l); err != nil || f.Limit < 0 {
			return f, types.Invalidf("limit %q is not a positive number", l)
		}
	}

	return f, nil
}

func (a *API) queryHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		p   Page
	)

	defer func() { rest.Reply(rw, 0, p, err) }()

	f, err := filter(r)
	if err != nil {
		return
	}

	if p, err = a.l.Query(r.Context(), f); err != nil && !types.IsPermanent(err) {
		a.log.Error().Err(err).Str("org", f.OrgID).Msg("cannot query audit events")
	}
}

func (a *API) verifyHandler(rw http.ResponseWriter, r *http.Request) {
	v, err := a.l.Verify(r.Context(), mux.Vars(r)["orgId"])
	rest.Reply(rw, 0, v, err)
}

// exportHandler streams every event matching the filters page by page. Once the first row is written the status can no
// longer change; a failure then ends the stream early and is logged.
func (a *API) exportHandler(rw http.ResponseWriter, r *http.Request) {
	org, user := mux.Vars(r)["orgId"], principal(r)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatCSV
	}

	if format != FormatCSV && format != FormatJSON {
		rest.Reply(rw, 0, nil, types.Invalidf("unsupported export format %q", format))

		return
	}

	f, err := filter(r)
	if err != nil {
		rest.Reply(rw, 0, nil, err)

		return
	}

	f.Cursor, f.Limit = "", a.pageSize

	if !a.limit.Allow(user) {
		metrics.RateLimitHits.WithLabelValues("audit_export").Inc()
		a.l.New(ActionExport).Actor(user).Org(org).Resource("audit_export", org).Outcome(OutcomeDenied).
			After(map[string]string{"format": format, "reason": "rate limited"}).Log(r.Context())
		rest.Reply(rw, 0, nil, fmt.Errorf("%w: %d exports per hour", rest.ErrRateLimited, a.limit.n))

		return
	}

	w := newExportWriter(rw, format)
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-%s.%s", org, format))
	rw.WriteHeader(http.StatusOK)

	rows, err := a.stream(r, f, w)
	if cerr := w.close(); err == nil {
		err = cerr
	}

	b := a.l.New(ActionExport).Actor(user).Org(org).Resource("audit_export", org).
		After(map[string]interface{}{"format": format, "rows": rows}).Failed(err)
	b.Log(r.Context())

	if err != nil {
		a.log.Error().Err(err).Str("org", org).Int("rows", rows).Msg("audit export ended early")
	}
}

func (a *API) stream(r *http.Request, f Filter, w *exportWriter) (int, error) {
	rows := 0

	for {
		p, err := a.l.Query(r.Context(), f)
		if err != nil {
			return rows, err
		}

		for _, e := range p.Events {
			if err = w.write(e); err != nil {
				return rows, err
			}

			rows++
		}

		w.flush()

		if p.NextCursor == "" {
			return rows, nil
		}

		f.Cursor = p.NextCursor
	}
}

// exportWriter writes events as CSV rows or as the elements of one JSON array.
type exportWriter struct {
	rw    http.ResponseWriter
	csv   *csv.Writer
	first bool
}

func newExportWriter(rw http.ResponseWriter, format string) *exportWriter {
	w := &exportWriter{rw: rw, first: true}

	if format == FormatCSV {
		rw.Header().Set("Content-Type", "text/csv;charset=utf8")
		w.csv = csv.NewWriter(rw)
		_ = w.csv.Write(csvHeader)
	} else {
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
	}

	return w
}

func (w *exportWriter) write(e Event) error {
	if w.csv != nil {
		return w.csv.Write([]string{
			e.ID, strconv.FormatInt(e.Seq, 10), e.OrgID, e.Timestamp.UTC().Format(timeLayout), e.Actor, e.Action,
			e.ResourceType, e.ResourceID, e.CorrelationID, e.Outcome, string(e.Before), string(e.After), e.PrevHash,
			e.Hash,
		})
	}

	sep := ","
	if w.first {
		sep, w.first = "[", false
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if _, err = w.rw.Write([]byte(sep)); err != nil {
		return err
	}

	_, err = w.rw.Write(doc)

	return err
}

func (w *exportWriter) flush() {
	if w.csv != nil {
		w.csv.Flush()
	}

	if f, ok := w.rw.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *exportWriter) close() error {
	if w.csv != nil {
		w.csv.Flush()

		return w.csv.Error()
	}

	end := "]"
	if w.first {
		end = "[]"
	}

	_, err := w.rw.Write([]byte(end))

	return err
}
