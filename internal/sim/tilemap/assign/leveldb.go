package assign

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"tilestream.dev/internal/sim/tilemap/grid"
)

// LevelDBStore keeps assignments on disk for the lifetime of one session, so
// very long walks do not grow the heap. The directory is removed on Close
// unless Keep is set.
type LevelDBStore struct {
	db   *leveldb.DB
	dir  string
	n    int
	Keep bool
}

// OpenLevelDB opens a fresh store in dir. Existing content is refused: a
// session never resumes another session's assignments.
func OpenLevelDB(dir string) (*LevelDBStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty leveldb dir")
	}
	if ents, err := os.ReadDir(dir); err == nil && len(ents) > 0 {
		return nil, fmt.Errorf("leveldb dir %s is not empty", dir)
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{
		ErrorIfExist:       true,
		BlockCacheCapacity: 8 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb %s: %w", dir, err)
	}
	return &LevelDBStore{db: db, dir: dir}, nil
}

func cellKey(c grid.Cell) []byte {
	var k [9]byte
	k[0] = 'c'
	// Sign bit flipped so keys sort in numeric order.
	binary.BigEndian.PutUint32(k[1:5], uint32(c.X)^0x80000000)
	binary.BigEndian.PutUint32(k[5:9], uint32(c.Z)^0x80000000)
	return k[:]
}

func encodeAssignment(a Assignment) []byte {
	var v [8]byte
	binary.BigEndian.PutUint32(v[0:4], uint32(a.Tile))
	binary.BigEndian.PutUint32(v[4:8], uint32(a.Obstacle))
	return v[:]
}

func decodeAssignment(v []byte) (Assignment, error) {
	if len(v) != 8 {
		return Assignment{}, fmt.Errorf("assignment value length %d, want 8", len(v))
	}
	return Assignment{
		Tile:     int32(binary.BigEndian.Uint32(v[0:4])),
		Obstacle: int32(binary.BigEndian.Uint32(v[4:8])),
	}, nil
}

func (s *LevelDBStore) Get(c grid.Cell) (Assignment, bool, error) {
	v, err := s.db.Get(cellKey(c), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Assignment{}, false, nil
		}
		return Assignment{}, false, err
	}
	a, err := decodeAssignment(v)
	if err != nil {
		return Assignment{}, false, err
	}
	return a, true, nil
}

func (s *LevelDBStore) Put(c grid.Cell, a Assignment) error {
	k := cellKey(c)
	ok, err := s.db.Has(k, nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %v", ErrAlreadyAssigned, c)
	}
	if err := s.db.Put(k, encodeAssignment(a), nil); err != nil {
		return err
	}
	s.n++
	return nil
}

func (s *LevelDBStore) Len() int { return s.n }

func (s *LevelDBStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if !s.Keep {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
