// Package share maps grantee sets to content-addressed share subject handles.
//
// A handle is the MD5 of the sorted user ids and sorted group ids:
//
//	md5(join(users, ":") + "$$" + join(groups, ":"))
//
// so the same set always yields the same handle whatever order it arrives
// in. Ids are deduplicated and ordered by their UTF-16 code units. They are
// hashed as given, without Unicode normalization.
package share

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/go-pkgz/lcw"
	"golang.org/x/text/encoding/unicode"

	"github.com/roach88/ingest/internal/channel"
)

// AlgorithmMD5 is stored in share_subjects.hash_algorithm.
const AlgorithmMD5 = "MD5"

// ErrCollision means two different grantee sets produced the same handle.
var ErrCollision = errors.New("share subject collision")

// User is a grantee looking for the subjects it belongs to.
type User struct {
	ID       string
	GroupIDs []string
}

// Handle returns the share subject handle of a grantee set. It does not
// touch the store.
func Handle(users, groups []string) string {
	return digest(normalize(users), normalize(groups))
}

func digest(users, groups []string) string {
	sum := md5.Sum([]byte(strings.Join(users, ":") + "$$" + strings.Join(groups, ":")))
	return hex.EncodeToString(sum[:])
}

// normalize returns the deduplicated non-empty ids in UTF-16 code unit
// order.
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	out = slices.Compact(out)

	keys := make(map[string]string, len(out))
	for _, id := range out {
		keys[id] = utf16Key(id)
	}
	sort.SliceStable(out, func(i, j int) bool { return keys[out[i]] < keys[out[j]] })
	return out
}

// utf16Key is id encoded as UTF-16BE. Bytewise order of the keys is the
// code unit order of the ids; UTF-8 bytewise order differs from it for
// characters outside the Basic Multilingual Plane.
func utf16Key(id string) string {
	key, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().String(id)
	if err != nil {
		return id
	}
	return key
}

// Resolver persists share subjects and answers membership lookups.
type Resolver struct {
	ch    *channel.Channel
	cache lcw.LoadingCache
}

// NewResolver creates a Resolver that remembers up to cacheSize persisted
// handles.
func NewResolver(ch *channel.Channel, cacheSize int) (*Resolver, error) {
	cache, err := lcw.NewLruCache(lcw.MaxKeys(cacheSize))
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	return &Resolver{ch: ch, cache: cache}, nil
}

// Close releases the cache.
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// Resolve returns the handle of a grantee set, creating its rows on first
// sight. ok is false when both sets are empty.
func (r *Resolver) Resolve(ctx context.Context, users, groups []string) (handle string, ok bool, err error) {
	u, g := normalize(users), normalize(groups)
	if len(u) == 0 && len(g) == 0 {
		return "", false, nil
	}
	h := digest(u, g)

	_, err = r.cache.Get(h, func() (lcw.Value, error) {
		if err := r.persist(ctx, h, u, g); err != nil {
			return nil, err
		}
		return h, nil
	})
	if err != nil {
		return "", false, err
	}
	return h, true, nil
}

func (r *Resolver) persist(ctx context.Context, h string, users, groups []string) error {
	exists, err := r.exists(ctx, h)
	if err != nil {
		return err
	}
	if exists {
		return r.checkMembers(ctx, h, users, groups)
	}

	tx := r.ch.Transaction()
	tx.AddQuery(`INSERT INTO share_subjects (id, hash_algorithm) VALUES (?, ?) ON CONFLICT DO NOTHING`, h, AlgorithmMD5)
	if len(groups) > 0 {
		tx.AddQuery(`INSERT INTO share_groups (id, share_subject_id) VALUES `+memberValues(len(groups))+` ON CONFLICT DO NOTHING`,
			memberArgs(h, groups)...)
	}
	if len(users) > 0 {
		tx.AddQuery(`INSERT INTO share_users (id, share_subject_id) VALUES `+memberValues(len(users))+` ON CONFLICT DO NOTHING`,
			memberArgs(h, users)...)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create share subject %s: %w", h, err)
	}
	return nil
}

func (r *Resolver) exists(ctx context.Context, h string) (bool, error) {
	found := false
	err := r.ch.Query(ctx, `SELECT 1 FROM share_subjects WHERE id = ? AND hash_algorithm = ? LIMIT 1`,
		[]any{h, AlgorithmMD5}, func(*sql.Rows) error {
			found = true
			return nil
		})
	if err != nil {
		return false, fmt.Errorf("lookup share subject %s: %w", h, err)
	}
	return found, nil
}

func (r *Resolver) checkMembers(ctx context.Context, h string, users, groups []string) error {
	storedUsers, storedGroups, err := r.Members(ctx, h)
	if err != nil {
		return err
	}
	if !slices.Equal(storedUsers, users) || !slices.Equal(storedGroups, groups) {
		return fmt.Errorf("%w: %s", ErrCollision, h)
	}
	return nil
}

// Members returns the sorted user and group ids of a handle.
func (r *Resolver) Members(ctx context.Context, h string) (users, groups []string, err error) {
	if users, err = r.memberIDs(ctx, "share_users", h); err != nil {
		return nil, nil, err
	}
	if groups, err = r.memberIDs(ctx, "share_groups", h); err != nil {
		return nil, nil, err
	}
	return users, groups, nil
}

func (r *Resolver) memberIDs(ctx context.Context, table, h string) ([]string, error) {
	var ids []string
	err := r.ch.Query(ctx, `SELECT id FROM `+table+` WHERE share_subject_id = ?`, []any{h},
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", h, err)
	}
	return normalize(ids), nil
}

// FindHandlesFor returns every handle the user reaches directly or through
// one of its groups, sorted and without duplicates.
func (r *Resolver) FindHandlesFor(ctx context.Context, user User) ([]string, error) {
	var (
		parts []string
		args  []any
	)
	if user.ID != "" {
		parts = append(parts, `
			SELECT s.id FROM share_subjects s
			JOIN share_users su ON s.id = su.share_subject_id
			WHERE su.id = ?`)
		args = append(args, user.ID)
	}
	if groups := normalize(user.GroupIDs); len(groups) > 0 {
		parts = append(parts, `
			SELECT s.id FROM share_subjects s
			JOIN share_groups sg ON s.id = sg.share_subject_id
			WHERE sg.id IN (`+strings.TrimSuffix(strings.Repeat("?, ", len(groups)), ", ")+`)`)
		for _, g := range groups {
			args = append(args, g)
		}
	}
	if len(parts) == 0 {
		return []string{}, nil
	}

	handles := []string{}
	err := r.ch.Query(ctx, strings.Join(parts, " UNION ")+` ORDER BY 1`, args, func(rows *sql.Rows) error {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		handles = append(handles, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find handles of %s: %w", user.ID, err)
	}
	return handles, nil
}

func memberValues(n int) string {
	return strings.TrimSuffix(strings.Repeat("(?, ?), ", n), ", ")
}

func memberArgs(h string, ids []string) []any {
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id, h)
	}
	return args
}
