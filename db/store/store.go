package store

import (
	"encoding/json"

	"github.com/InsulaLabs/drive/db/models"
	"github.com/InsulaLabs/drive/db/tkv"
	"github.com/pkg/errors"
)

// Store is a typed view over one region of the durable map.
type Store[T models.Record] struct {
	db     tkv.TKVDataHandler
	region tkv.Region
}

func New[T models.Record](db tkv.TKVDataHandler, region tkv.Region) *Store[T] {
	return &Store[T]{db: db, region: region}
}

func NewFileStore(db tkv.TKVDataHandler) *Store[models.File] {
	return New[models.File](db, tkv.RegionFiles)
}

func NewFolderStore(db tkv.TKVDataHandler) *Store[models.Folder] {
	return New[models.Folder](db, tkv.RegionFolders)
}

func (s *Store[T]) decode(key uint64, raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &tkv.ErrDataCorruption{Region: s.region, Key: key, Reason: err.Error()}
	}
	return v, nil
}

// Get reports absence through ok, never through err.
func (s *Store[T]) Get(id uint64) (v T, ok bool, err error) {
	raw, err := s.db.Get(s.region, id)
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return v, false, nil
		}
		return v, false, errors.Wrapf(err, "get %s/%d", s.region, id)
	}
	v, err = s.decode(id, raw)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// Put replaces any record sharing the id.
func (s *Store[T]) Put(record T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "encode %s/%d", s.region, record.RecordID())
	}
	if err := s.db.Set(s.region, record.RecordID(), raw); err != nil {
		return errors.Wrapf(err, "put %s/%d", s.region, record.RecordID())
	}
	return nil
}

// Remove deletes the record and returns what was there.
func (s *Store[T]) Remove(id uint64) (v T, ok bool, err error) {
	raw, err := s.db.Delete(s.region, id)
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return v, false, nil
		}
		return v, false, errors.Wrapf(err, "remove %s/%d", s.region, id)
	}
	v, err = s.decode(id, raw)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// List returns every record in ascending id order.
func (s *Store[T]) List() ([]T, error) {
	entries, err := s.db.Iterate(s.region, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.region)
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		v, err := s.decode(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
