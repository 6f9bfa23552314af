package badger

import (
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store/lock"
	locktesting "github.com/marmos91/filecollection/pkg/store/lock/testing"
)

func TestBadgerCoordinator(t *testing.T) {
	suite := &locktesting.CoordinatorTestSuite{
		NewCoordinator: func() lock.Coordinator {
			db, err := badgerdb.Open(badgerdb.DefaultOptions(t.TempDir()).WithLogger(nil))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return New(db)
		},
	}
	suite.Run(t)
}
