/* pkg/directory/client.go */

// Package directory implements the single-connection protocol client the
// discovery service runs against one LDAP server: connect, bind, search,
// bounded reconnect, and attribute mapping into canonical records.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const (
	defaultUserObjectClass  = "(objectClass=inetOrgPerson)"
	defaultGroupObjectClass = "(objectClass=groupOfNames)"
)

var (
	errNotConnected       = errors.New("not connected")
	errConnectionLost     = errors.New("connection lost")
	errReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Client manages exactly one directory server connection. All operations are
// serialized; the connection is never shared across concurrent searches.
type Client struct {
	cfg ServerConfig

	mu            sync.Mutex
	conn          *ldap.Conn
	state         State
	reconnects    int
	everConnected bool
}

// NewClient returns a disconnected client for the given server. Callers own
// the lifecycle: Connect before use, Disconnect when done.
func NewClient(cfg ServerConfig) *Client {
	return &Client{cfg: cfg.withDefaults(), state: StateDisconnected}
}

// Config returns the effective configuration after defaulting.
func (c *Client) Config() ServerConfig { return c.cfg }

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials and binds. Idempotent: connecting an already-bound client is
// a no-op. An explicit Connect always dials, even after the automatic
// reconnect budget is spent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosing() && c.state != StateDisconnected {
		return nil
	}

	log := otelzap.Ctx(ctx)
	c.state = StateConnecting

	addr := c.url()
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.ConnectTimeout}),
	}
	if c.cfg.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		}))
	}

	conn, err := ldap.DialURL(addr, opts...)
	if err != nil {
		c.state = StateDisconnected
		return &ConnectionError{Server: c.cfg.Name, Err: err}
	}

	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			_ = conn.Close()
			c.state = StateDisconnected
			return &ConnectionError{Server: c.cfg.Name, Err: fmt.Errorf("bind as %s: %w", c.cfg.BindDN, err)}
		}
	}

	c.conn = conn
	c.state = StateBound
	c.reconnects = 0
	c.everConnected = true

	log.Info("Directory connection bound",
		zap.String("server", c.cfg.Name),
		zap.String("addr", addr),
		zap.String("bind_dn", c.cfg.BindDN))
	return nil
}

func (c *Client) url() string {
	scheme := "ldap"
	if c.cfg.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

// ensureLive verifies the connection is usable, running the bounded
// reconnect policy when it was lost unexpectedly. Exhausting the budget
// leaves the client Disconnected; every subsequent use surfaces a
// ConnectionError until an explicit Connect succeeds.
func (c *Client) ensureLive(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosing() && c.state != StateDisconnected {
		return nil
	}
	if !c.everConnected {
		return &ConnectionError{Server: c.cfg.Name, Err: errNotConnected}
	}
	if !c.cfg.Reconnect {
		c.state = StateDisconnected
		return &ConnectionError{Server: c.cfg.Name, Err: errConnectionLost}
	}
	if c.reconnects >= c.cfg.MaxReconnects {
		c.state = StateDisconnected
		return &ConnectionError{Server: c.cfg.Name, Attempts: c.reconnects, Err: errReconnectExhausted}
	}

	log := otelzap.Ctx(ctx)
	var lastErr error
	for c.reconnects < c.cfg.MaxReconnects {
		c.reconnects++
		log.Warn("Directory connection lost, reconnecting",
			zap.String("server", c.cfg.Name),
			zap.Int("attempt", c.reconnects),
			zap.Int("max_attempts", c.cfg.MaxReconnects))

		select {
		case <-ctx.Done():
			return &ConnectionError{Server: c.cfg.Name, Attempts: c.reconnects, Err: ctx.Err()}
		case <-time.After(c.cfg.ReconnectInterval):
		}

		if err := c.connectLocked(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	c.state = StateDisconnected
	if lastErr == nil {
		lastErr = errReconnectExhausted
	}
	return &ConnectionError{Server: c.cfg.Name, Attempts: c.reconnects, Err: lastErr}
}

// SearchParams carries the protocol arguments of one search.
type SearchParams struct {
	BaseDN     string
	Filter     string
	Attributes []string
	Scope      int
	SizeLimit  int
	TimeLimit  time.Duration
}

// Search runs one search and returns the raw entries. The caller owns any
// persistence; nothing is cached here. A truncated result (server size
// limit) returns the entries collected so far without error.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]*ldap.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchLocked(ctx, p)
}

func (c *Client) searchLocked(ctx context.Context, p SearchParams) ([]*ldap.Entry, error) {
	if err := c.ensureLive(ctx); err != nil {
		return nil, err
	}

	log := otelzap.Ctx(ctx)

	if p.Filter == "" {
		p.Filter = "(objectClass=*)"
	}
	if p.TimeLimit <= 0 {
		p.TimeLimit = c.cfg.SearchTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < p.TimeLimit {
			p.TimeLimit = remain
		}
	}
	if p.TimeLimit <= 0 {
		return nil, &SearchTimeout{BaseDN: p.BaseDN, Filter: p.Filter, Limit: p.TimeLimit, Err: ctx.Err()}
	}

	timeLimitSecs := int(p.TimeLimit.Seconds())
	if timeLimitSecs <= 0 {
		timeLimitSecs = 1
	}

	c.state = StateSearching
	defer func() {
		if c.state == StateSearching {
			c.state = StateBound
		}
	}()

	req := ldap.NewSearchRequest(
		p.BaseDN, p.Scope, ldap.NeverDerefAliases,
		p.SizeLimit, timeLimitSecs, false,
		p.Filter, p.Attributes, nil,
	)

	start := time.Now()
	res, err := c.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil {
			log.Debug("Search truncated at size limit",
				zap.String("base_dn", p.BaseDN),
				zap.Int("size_limit", p.SizeLimit),
				zap.Int("entries", len(res.Entries)))
			return res.Entries, nil
		}
		if isNetworkErr(err) {
			_ = c.conn.Close()
			c.conn = nil
			c.state = StateDisconnected
		}
		return nil, classifySearchErr(err, p.BaseDN, p.Filter, p.TimeLimit)
	}

	log.Debug("Search completed",
		zap.String("base_dn", p.BaseDN),
		zap.String("filter", p.Filter),
		zap.Int("entries", len(res.Entries)),
		zap.Duration("took", time.Since(start)))
	return res.Entries, nil
}

// TestConnection validates reachability and bind with a base-scope search
// against the configured base DN. It never touches any cache.
func (c *Client) TestConnection(ctx context.Context) (*TestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return &TestResult{Success: false, Message: err.Error()}, err
	}

	entries, err := c.searchLocked(ctx, SearchParams{
		BaseDN:     c.cfg.BaseDN,
		Filter:     "(objectClass=*)",
		Attributes: []string{"objectClass"},
		Scope:      ldap.ScopeBaseObject,
		SizeLimit:  1,
		TimeLimit:  c.cfg.ConnectTimeout,
	})
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, err
	}

	return &TestResult{
		Success: true,
		Message: fmt.Sprintf("base %s reachable", c.cfg.BaseDN),
		Count:   len(entries),
	}, nil
}

// DiscoverUsers searches the user subtree and maps each entry into a
// canonical User. The effective filter is the conjunction of the user
// object-class filter, the server-configured user filter, and the
// caller-supplied filter.
func (c *Client) DiscoverUsers(ctx context.Context, opts DiscoverOptions) ([]User, error) {
	filter := CombineFilters(defaultUserObjectClass, c.cfg.UserFilter, opts.Filter)
	attrs := append([]string{
		c.cfg.UserAttrs.ID,
		c.cfg.UserAttrs.Email,
		c.cfg.UserAttrs.DisplayName,
		c.cfg.UserAttrs.MemberOf,
	}, opts.Attributes...)

	entries, err := c.Search(ctx, SearchParams{
		BaseDN:     c.cfg.UserBaseDN,
		Filter:     filter,
		Attributes: attrs,
		Scope:      ldap.ScopeWholeSubtree,
		SizeLimit:  c.sizeLimit(opts),
		TimeLimit:  opts.TimeLimit,
	})
	if err != nil {
		return nil, err
	}

	log := otelzap.Ctx(ctx)
	users := make([]User, 0, len(entries))
	for _, e := range entries {
		u := mapUserEntry(e, c.cfg.UserAttrs)
		if u.ID == "" {
			log.Warn("Skipping user entry without identifier attribute",
				zap.String("dn", e.DN),
				zap.String("id_attr", c.cfg.UserAttrs.ID))
			continue
		}
		users = append(users, u)
	}

	log.Info("Discovered directory users",
		zap.String("server", c.cfg.Name),
		zap.String("filter", filter),
		zap.Int("count", len(users)))
	return users, nil
}

// DiscoverGroups searches the group subtree and maps each entry into a
// canonical Group. Filter composition mirrors DiscoverUsers.
func (c *Client) DiscoverGroups(ctx context.Context, opts DiscoverOptions) ([]Group, error) {
	filter := CombineFilters(defaultGroupObjectClass, c.cfg.GroupFilter, opts.Filter)
	attrs := append([]string{
		c.cfg.GroupAttrs.Name,
		c.cfg.GroupAttrs.Description,
		c.cfg.GroupAttrs.Member,
	}, opts.Attributes...)

	entries, err := c.Search(ctx, SearchParams{
		BaseDN:     c.cfg.GroupBaseDN,
		Filter:     filter,
		Attributes: attrs,
		Scope:      ldap.ScopeWholeSubtree,
		SizeLimit:  c.sizeLimit(opts),
		TimeLimit:  opts.TimeLimit,
	})
	if err != nil {
		return nil, err
	}

	log := otelzap.Ctx(ctx)
	groups := make([]Group, 0, len(entries))
	for _, e := range entries {
		g := mapGroupEntry(e, c.cfg.GroupAttrs)
		if g.Name == "" {
			log.Warn("Skipping group entry without name attribute",
				zap.String("dn", e.DN),
				zap.String("name_attr", c.cfg.GroupAttrs.Name))
			continue
		}
		groups = append(groups, g)
	}

	log.Info("Discovered directory groups",
		zap.String("server", c.cfg.Name),
		zap.String("filter", filter),
		zap.Int("count", len(groups)))
	return groups, nil
}

func (c *Client) sizeLimit(opts DiscoverOptions) int {
	if opts.SizeLimit > 0 {
		return opts.SizeLimit
	}
	return c.cfg.SizeLimit
}

// Disconnect unbinds and releases the connection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.state = StateDisconnected
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	return err
}
