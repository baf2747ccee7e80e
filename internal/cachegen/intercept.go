package cachegen

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"cachegen/internal/lifecycle"
	"cachegen/internal/origin"
	"cachegen/internal/policy"
	"cachegen/internal/store"
)

const headerOutcome = "X-Cachegen"

var _ policy.Cache = (*lifecycle.Binding)(nil)

// intercept is the entry point for every request the client sends to the
// origin.
func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	if rule := s.cfg.PickRule(r.URL.Path); rule != nil {
		if rule.Bypass {
			s.passThrough(w, r, "bypass")
			return
		}
		if hasAnyCookie(r, rule.BypassWhenCookies) {
			s.passThrough(w, r, "bypass-by-cookie")
			return
		}
	}
	if s.crossOrigin(r) || r.Method != http.MethodGet {
		s.passThrough(w, r, "bypass")
		return
	}

	b := s.ctl.Bind()
	defer b.Release()

	res, err := s.engine.Serve(r.Context(), r, b)
	if err != nil {
		s.recoverFailure(w, r, b, err)
		return
	}
	if res.Strategy == policy.NetworkOnly {
		// always-fresh documents must not be kept by anything downstream either
		res.Entry.Header = cloneHeader(res.Entry.Header)
		res.Entry.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}
	s.writeEntry(w, res.Entry, string(res.Outcome))
}

// recoverFailure answers a request no strategy could serve. Navigations get
// the fallback document of the bound generation when there is one; every
// other failure, whatever its cause, gets the same offline response.
func (s *Service) recoverFailure(w http.ResponseWriter, r *http.Request, b *lifecycle.Binding, err error) {
	if doc := s.cfg.Policy.FallbackDocument; doc != "" && policy.IsNavigation(r) {
		if ent, ok := b.Match(doc); ok {
			s.writeEntry(w, ent, string(policy.OutcomeFallback))
			return
		}
	}
	s.log.Debug("serving offline response", zap.String("path", r.URL.Path), zap.Error(err))
	s.stats.offline.Add(1)
	writeOffline(w)
}

// crossOrigin reports an absolute-form request for a host other than the origin.
func (s *Service) crossOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return false
	}
	return !strings.EqualFold(r.URL.Scheme, s.originURL.Scheme) || !strings.EqualFold(r.URL.Host, s.originURL.Host)
}

// passThrough forwards r unmodified and never touches the cache.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, outcome string) {
	ent, err := s.origin.Forward(r.Context(), r)
	if err != nil {
		s.log.Debug("pass-through failed", zap.String("method", r.Method), zap.String("url", r.URL.String()), zap.Error(err))
		setOutcome(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntry(w, ent, outcome)
}

func (s *Service) writeEntry(w http.ResponseWriter, ent store.Entry, outcome string) {
	ent.Header = withoutOutcome(ent.Header)
	setOutcome(w.Header(), outcome)
	origin.Write(w, ent)
	switch policy.Outcome(outcome) {
	case policy.OutcomeHit, policy.OutcomeMiss:
		s.stats.Observe(len(ent.Body))
	}
}

func writeOffline(w http.ResponseWriter) {
	h := w.Header()
	setOutcome(h, "offline")
	h.Set("Content-Type", "text/plain")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Offline"))
}

func withoutOutcome(h http.Header) http.Header {
	if h.Get(headerOutcome) == "" {
		return h
	}
	out := cloneHeader(h)
	out.Del(headerOutcome)
	return out
}

func setOutcome(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerOutcome, outcome)
	}
	// browsers hide custom headers from cross-origin scripts unless exposed
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
