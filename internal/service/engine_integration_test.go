//go:build integration

package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"identityrecon/internal/database"
	"identityrecon/internal/lock"
	"identityrecon/internal/models"
	"identityrecon/internal/testutil/containers"
)

func TestEnginePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgres(t)

	s := &EngineSuite{}
	s.newStore = func(now func() time.Time) database.Store {
		ctx := context.Background()
		db, err := database.Open(ctx, database.DriverPostgres, pg.DSN, nil)
		s.Require().NoError(err)
		s.T().Cleanup(func() { _ = db.Close() })

		_, err = db.Conn.ExecContext(ctx, `TRUNCATE contacts RESTART IDENTITY`)
		s.Require().NoError(err)
		return database.NewContactStore(db).WithClock(now)
	}
	suite.Run(t, s)
}

// TestInstancesShareRedisLock runs several engines, each standing in for a
// separate process, against one PostgreSQL database and one Redis.
func TestInstancesShareRedisLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgres(t)
	rd := containers.NewRedis(t)
	ctx := context.Background()

	db, err := database.Open(ctx, database.DriverPostgres, pg.DSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := database.NewContactStore(db)

	engines := make([]*ReconciliationEngine, 3)
	for i := range engines {
		engines[i] = NewReconciliationEngine(store,
			WithLocker(lock.Chain{lock.NewLocal(), lock.NewRedis(rd.Client, 5*time.Second, 5*time.Second, nil)}),
			WithMaxRetries(5),
		)
	}

	// Two identities exist; every caller then submits the bridging pair.
	_, err = engines[0].Identify(ctx, strPtr("a@x.com"), strPtr("111"))
	require.NoError(t, err)
	_, err = engines[1].Identify(ctx, strPtr("b@x.com"), strPtr("222"))
	require.NoError(t, err)

	primaries := make([]int64, 12)
	g, gctx := errgroup.WithContext(ctx)
	for i := range primaries {
		g.Go(func() error {
			resp, err := engines[i%len(engines)].Identify(gctx, strPtr("a@x.com"), strPtr("222"))
			if err != nil {
				return err
			}
			primaries[i] = resp.Contact.PrimaryContactID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range primaries {
		assert.Equal(t, int64(1), id)
	}

	exact, err := store.FindByEmailOrPhone(ctx, strPtr("a@x.com"), strPtr("222"))
	require.NoError(t, err)
	// a/111, b/222 and exactly one bridging row.
	assert.Len(t, exact, 3)
	for _, c := range exact {
		assert.Equal(t, int64(1), c.PrimaryID())
	}
}

// TestDisjointRequestsOnOneGroupLeaveNoChains races a merge against an
// attach that shares no submitted value with it but reaches the absorbed
// group through one of its secondaries. Each engine has its own local lock,
// so only the database orders them.
func TestDisjointRequestsOnOneGroupLeaveNoChains(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgres(t)
	ctx := context.Background()

	db, err := database.Open(ctx, database.DriverPostgres, pg.DSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := database.NewContactStore(db)

	merger := NewReconciliationEngine(store, WithMaxRetries(10))
	attacher := NewReconciliationEngine(store, WithMaxRetries(10))

	for round := range 20 {
		value := func(prefix string) *string {
			v := fmt.Sprintf("%s-%d", prefix, round)
			return &v
		}
		p1, err := store.Insert(ctx, models.NewContact{Email: value("a"), PhoneNumber: value("111"), LinkPrecedence: models.PrecedencePrimary})
		require.NoError(t, err)
		p2, err := store.Insert(ctx, models.NewContact{Email: value("b"), PhoneNumber: value("222"), LinkPrecedence: models.PrecedencePrimary})
		require.NoError(t, err)
		_, err = store.Insert(ctx, models.NewContact{Email: value("c"), PhoneNumber: value("333"), LinkedID: &p2.ID, LinkPrecedence: models.PrecedenceSecondary})
		require.NoError(t, err)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := merger.Identify(gctx, value("a"), value("222"))
			return err
		})
		g.Go(func() error {
			_, err := attacher.Identify(gctx, value("new"), value("333"))
			return err
		})
		require.NoError(t, g.Wait(), "round %d", round)

		resp, err := merger.Identify(ctx, value("new"), nil)
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, p1.ID, resp.Contact.PrimaryContactID, "round %d", round)
		assert.Len(t, resp.Contact.SecondaryContactIDs, 4, "round %d", round)
	}

	var chained int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `
		SELECT count(*) FROM contacts c
		JOIN contacts p ON c.linked_id = p.id
		WHERE p.link_precedence <> 'primary'`).Scan(&chained))
	assert.Zero(t, chained)
}
