// pkg/adapter/engine.go
// The sync engine runs the preview/execute pipeline over any Adapter.
// Staging never mutates the tool; execution applies exactly what staging
// produced, one entity at a time, and keeps going when individual entities
// fail.

package adapter

import (
	"context"
	"errors"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

// ResolutionBlocked marks a conflict whose change was withheld by the
// "block" policy.
const ResolutionBlocked = "blocked"

// Engine drives one tool adapter through the sync pipeline.
type Engine struct {
	adapter Adapter
	opts    Options
}

// NewEngine binds an adapter to the options staged changes must respect.
func NewEngine(a Adapter, opts Options) *Engine {
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = ConflictPolicyLDAPWins
	}
	return &Engine{adapter: a, opts: opts}
}

// PreviewSync computes the full set of changes a sync would perform without
// mutating the tool. The only adapter calls it makes are the read-only
// Fetch/Identify/Map/Detect methods.
func (e *Engine) PreviewSync(ctx context.Context, users []directory.User, groups []directory.Group) (*ChangeSet, error) {
	cs := &ChangeSet{Tool: e.adapter.Slug()}
	if e.opts.SyncUsers {
		if err := e.stageUsers(ctx, cs, users); err != nil {
			return nil, cerr.Wrap(err, "stage user changes")
		}
	}
	if e.opts.SyncGroups {
		if err := e.stageGroups(ctx, cs, groups); err != nil {
			return nil, cerr.Wrap(err, "stage group changes")
		}
	}
	otelzap.Ctx(ctx).Info("Staged sync changes",
		zap.String("tool", cs.Tool),
		zap.Int("changes", len(cs.Changes)),
		zap.Int("conflicts", len(cs.Conflicts)))
	return cs, nil
}

// ExecuteSync stages and applies changes against the tool. Individual
// entity failures are counted and recorded but do not stop the run; only
// fatal adapter errors (credentials, unreachable tool during staging) or
// context cancellation abort it early.
func (e *Engine) ExecuteSync(ctx context.Context, users []directory.User, groups []directory.Group) (*SyncResult, error) {
	res := &SyncResult{Tool: e.adapter.Slug(), StartedAt: time.Now()}

	cs, err := e.PreviewSync(ctx, users, groups)
	if err != nil {
		res.CompletedAt = time.Now()
		return res, err
	}
	if e.opts.SyncUsers {
		res.Users.Processed = len(users)
	}
	if e.opts.SyncGroups {
		res.Groups.Processed = len(groups)
	}
	res.Conflicts = cs.Conflicts

	log := otelzap.Ctx(ctx)
	for _, change := range cs.Changes {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.CompletedAt = time.Now()
			return res, &AdapterError{Tool: res.Tool, Op: "execute", Fatal: true, Err: ctxErr}
		}

		counters := &res.Users
		if change.Kind == KindGroup {
			counters = &res.Groups
		}

		err := e.apply(ctx, change)
		var conflict *ConflictDetected
		switch {
		case err == nil:
			bump(counters, change.Action)
		case errors.As(err, &conflict):
			// The adapter refused the change because the remote side
			// diverged underneath us. Not a failure: record and move on.
			c := conflict.Conflict
			c.Resolution = ResolutionBlocked
			res.Conflicts = append(res.Conflicts, c)
		case IsFatal(err):
			res.CompletedAt = time.Now()
			return res, err
		default:
			counters.Failed++
			res.Errors = append(res.Errors, EntityError{
				Kind:       change.Kind,
				Action:     change.Action,
				Identifier: change.Identifier,
				Message:    err.Error(),
			})
			log.Warn("Sync change failed",
				zap.String("tool", res.Tool),
				zap.String("kind", string(change.Kind)),
				zap.String("action", string(change.Action)),
				zap.String("identifier", change.Identifier),
				zap.Error(err))
		}
	}

	res.CompletedAt = time.Now()
	log.Info("Sync execution finished",
		zap.String("tool", res.Tool),
		zap.Int("users_created", res.Users.Created),
		zap.Int("users_updated", res.Users.Updated),
		zap.Int("users_failed", res.Users.Failed),
		zap.Int("groups_created", res.Groups.Created),
		zap.Int("groups_updated", res.Groups.Updated),
		zap.Int("groups_failed", res.Groups.Failed),
		zap.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

func (e *Engine) apply(ctx context.Context, change Change) error {
	if change.Kind == KindUser {
		return e.adapter.ApplyUserChange(ctx, change)
	}
	return e.adapter.ApplyGroupChange(ctx, change)
}

func (e *Engine) stageUsers(ctx context.Context, cs *ChangeSet, users []directory.User) error {
	remote, err := e.adapter.FetchRemoteUsers(ctx)
	if err != nil {
		return cerr.Wrap(err, "fetch remote users")
	}

	detector, canDetect := e.adapter.(ConflictDetector)
	matched := make(map[string]bool, len(users))

	for _, du := range users {
		ru, ok := e.adapter.IdentifyUser(du, remote)
		if !ok {
			if e.opts.CreateUsers {
				desired := e.adapter.MapUser(du)
				cs.Changes = append(cs.Changes, Change{
					Kind:       KindUser,
					Action:     ActionCreate,
					Identifier: desired.Username,
					User:       &desired,
				})
			}
			continue
		}
		matched[ru.ID] = true

		blocked := false
		if canDetect {
			for _, c := range detector.DetectConflicts(du, *ru) {
				if e.opts.ConflictPolicy == ConflictPolicyBlock {
					c.Resolution = ResolutionBlocked
					blocked = true
				} else {
					c.Resolution = ConflictPolicyLDAPWins
				}
				cs.Conflicts = append(cs.Conflicts, c)
			}
		}
		if blocked {
			continue
		}

		fields := e.adapter.DetectUserDiff(du, *ru)
		if len(fields) == 0 || !e.opts.UpdateUsers {
			continue
		}
		desired := e.adapter.MapUser(du)
		desired.ID = ru.ID
		cs.Changes = append(cs.Changes, Change{
			Kind:       KindUser,
			Action:     ActionUpdate,
			Identifier: ru.Username,
			RemoteID:   ru.ID,
			Fields:     fields,
			User:       &desired,
		})
	}

	if !e.opts.DeleteUsers && !e.opts.DisableUsers {
		return nil
	}
	// Remote accounts with no directory counterpart. Disable wins when both
	// flags are set.
	for i := range remote {
		ru := remote[i]
		if matched[ru.ID] {
			continue
		}
		switch {
		case e.opts.DisableUsers:
			if !ru.Disabled {
				cs.Changes = append(cs.Changes, Change{
					Kind:       KindUser,
					Action:     ActionDisable,
					Identifier: ru.Username,
					RemoteID:   ru.ID,
				})
			}
		case e.opts.DeleteUsers:
			cs.Changes = append(cs.Changes, Change{
				Kind:       KindUser,
				Action:     ActionDelete,
				Identifier: ru.Username,
				RemoteID:   ru.ID,
			})
		}
	}
	return nil
}

func (e *Engine) stageGroups(ctx context.Context, cs *ChangeSet, groups []directory.Group) error {
	remote, err := e.adapter.FetchRemoteGroups(ctx)
	if err != nil {
		return cerr.Wrap(err, "fetch remote groups")
	}

	matched := make(map[string]bool, len(groups))
	for _, dg := range groups {
		rg, ok := e.adapter.IdentifyGroup(dg, remote)
		if !ok {
			if e.opts.CreateGroups {
				desired := e.adapter.MapGroup(dg)
				cs.Changes = append(cs.Changes, Change{
					Kind:       KindGroup,
					Action:     ActionCreate,
					Identifier: desired.Name,
					Group:      &desired,
				})
			}
			continue
		}
		matched[rg.ID] = true

		fields := e.adapter.DetectGroupDiff(dg, *rg)
		if len(fields) == 0 || !e.opts.UpdateGroups {
			continue
		}
		desired := e.adapter.MapGroup(dg)
		desired.ID = rg.ID
		cs.Changes = append(cs.Changes, Change{
			Kind:       KindGroup,
			Action:     ActionUpdate,
			Identifier: rg.Name,
			RemoteID:   rg.ID,
			Fields:     fields,
			Group:      &desired,
		})
	}

	if !e.opts.DeleteGroups {
		return nil
	}
	for i := range remote {
		rg := remote[i]
		if matched[rg.ID] {
			continue
		}
		cs.Changes = append(cs.Changes, Change{
			Kind:       KindGroup,
			Action:     ActionDelete,
			Identifier: rg.Name,
			RemoteID:   rg.ID,
		})
	}
	return nil
}

func bump(c *EntityCounters, action Action) {
	switch action {
	case ActionCreate:
		c.Created++
	case ActionUpdate:
		c.Updated++
	case ActionDelete:
		c.Deleted++
	case ActionDisable:
		c.Disabled++
	}
}

// Summarize renders a staged change set as a preview result: the counters
// say what would happen, and nothing has.
func Summarize(cs *ChangeSet, usersProcessed, groupsProcessed int) *SyncResult {
	now := time.Now()
	return &SyncResult{
		Tool:      cs.Tool,
		Preview:   true,
		Conflicts: cs.Conflicts,
		Users: EntityCounters{
			Processed: usersProcessed,
			Created:   cs.Count(KindUser, ActionCreate),
			Updated:   cs.Count(KindUser, ActionUpdate),
			Deleted:   cs.Count(KindUser, ActionDelete),
			Disabled:  cs.Count(KindUser, ActionDisable),
		},
		Groups: EntityCounters{
			Processed: groupsProcessed,
			Created:   cs.Count(KindGroup, ActionCreate),
			Updated:   cs.Count(KindGroup, ActionUpdate),
			Deleted:   cs.Count(KindGroup, ActionDelete),
		},
		StartedAt:   now,
		CompletedAt: now,
	}
}
