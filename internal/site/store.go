package site

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"sitehost/internal/config"
)

// Record is a persisted site definition. State is STOPPED for enabled
// sites and INACTIVE for disabled ones.
type Record struct {
	Site  config.Site
	State State
}

// Store persists site definitions across restarts.
type Store interface {
	Save(Record) error
	Delete(name string) error
	List() ([]Record, error)
	Close() error
}

var recordPrefix = []byte("s:")

// LevelStore keeps records in a leveldb database, gob encoded, one key per
// site.
type LevelStore struct {
	db *leveldb.DB
}

func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeDatabase, "open site store"), "path", path)
	}
	return &LevelStore{db: db}, nil
}

// NewLevelStore wraps an already opened database.
func NewLevelStore(db *leveldb.DB) *LevelStore { return &LevelStore{db: db} }

func recordKey(name string) []byte { return append(append([]byte(nil), recordPrefix...), name...) }

func (s *LevelStore) Save(r Record) error {
	b, err := encodeGob(r)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "encode site %q", r.Site.Name)
	}
	if err := s.db.Put(recordKey(r.Site.Name), b, nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "save site %q", r.Site.Name)
	}
	return nil
}

func (s *LevelStore) Delete(name string) error {
	if err := s.db.Delete(recordKey(name), nil); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "delete site %q", name)
	}
	return nil
}

// List returns every decodable record ordered by name. Records that no longer
// compile are skipped with a warning.
func (s *LevelStore) List() ([]Record, error) {
	it := s.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()

	var out []Record
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), recordPrefix))
		var r Record
		if err := decodeGob(it.Value(), &r); err != nil {
			log.Warn().Err(err).Str("site", name).Msg("skipping undecodable site record")
			continue
		}
		if err := r.Site.Compile(); err != nil {
			log.Warn().Err(err).Str("site", name).Msg("skipping invalid site record")
			continue
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list sites")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site.Name < out[j].Site.Name })
	return out, nil
}

func (s *LevelStore) Close() error { return s.db.Close() }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
