package storage

// ZoneStat describes one zone file.
type ZoneStat struct {
	ID   int32  `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// StoreStat is a point-in-time summary of a store.
type StoreStat struct {
	Dir       string             `json:"dir"`
	Name      string             `json:"name"`
	Zones     []ZoneStat         `json:"zones"`
	Zone      int32              `json:"zone"`
	StoreSize int64              `json:"storeSize"`
	TreeSize  int64              `json:"treeSize"`
	DiffSize  int64              `json:"diffSize"`
	Version   int64              `json:"version"`
	Stem      int64              `json:"stem"`
	Trees     []string           `json:"trees"`
	CacheLen  int                `json:"cacheLen"`
	Cache     CacheStatsSnapshot `json:"cache"`
}

// Stat summarizes the store.
func (s *Store) Stat() (StoreStat, error) {
	st := StoreStat{
		Dir:      s.dir,
		Name:     s.base,
		TreeSize: s.db.TreeSize(),
		DiffSize: s.db.DiffSize(),
		Version:  s.db.Version(),
		Stem:     s.db.Stem(),
		CacheLen: s.ctx.Cache.Len(),
		Cache:    s.ctx.Stats(),
	}
	if z := s.Zone(); z != nil {
		st.Zone = z.ID()
	}
	for _, z := range s.zones.all() {
		st.Zones = append(st.Zones, ZoneStat{ID: z.ID(), Path: z.Path(), Size: z.Size()})
		st.StoreSize += z.Size()
	}

	names, err := s.db.TreeNames()
	if err != nil {
		return st, err
	}
	st.Trees = names
	return st, nil
}
