package lsmkv

import (
	"container/heap"
	"os"

	"github.com/mbkv/lsmkv/keys"
	"github.com/mbkv/lsmkv/memtable"
	"github.com/mbkv/lsmkv/sstable"
)

// Compaction here is synchronous and runs inline on the write path,
// not on a background goroutine: the engine is single-threaded end to
// end, so there is no reader to protect from an in-progress
// compaction and no concurrent writer to schedule around. Put and
// Delete call checkLevelState after every insert that might have
// tipped a level over capacity.

// minorCompact flushes mt to one or more new SSTables and adds them
// as a new run at level 0. An empty memtable produces no run.
func (db *DB) minorCompact(mt *memtable.MemTable) error {
	it := mt.NewIterator()
	w := sstable.NewWriter(sstable.WriterOptions{
		Dir:        db.opts.Dir,
		BlockSize:  db.opts.BlockSize,
		SizeCap:    db.opts.SSTableSizeCap,
		NextFileID: db.allocFileID,
		BloomM:     db.opts.BloomM,
		BloomK:     db.opts.BloomK,
		Logger:     db.opts.Logger,
	})
	for it.Next() {
		if err := w.Add(it.Key()); err != nil {
			return err
		}
	}
	metas, err := w.Finish()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		return nil
	}
	readers, err := db.openReaders(metas)
	if err != nil {
		return err
	}
	l0 := db.tree.levelAt(0)
	l0.runs = append(l0.runs, newRun(readers))
	db.opts.Logger.Debug("minor compaction flushed memtable", "level", 0, "tables", len(readers))
	return nil
}

// checkLevelState walks the tree from level 0 upward. A level over its
// size capacity is brought down by a vertical compaction into the
// next level; a level over its run capacity (L0 after flushes, or a
// deeper level after vertical compactions have each added a run to
// it) is brought down by a horizontal compaction that merges overlapping
// runs in place. Each level is re-checked after every compaction
// until it reports Normal before moving on, since one compaction can
// easily leave a level still over capacity.
func (db *DB) checkLevelState() error {
	for i := 0; i < len(db.tree.levels); i++ {
		for {
			state := db.tree.levels[i].State()
			if state == LevelNormal {
				break
			}
			var err error
			if state == LevelExceedSize {
				err = db.verticalCompact(i)
			} else {
				err = db.horizontalCompact(i)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func tableRange(t *sstable.Reader) (keys.UserKey, keys.UserKey) {
	m := t.Meta()
	return m.Min.UserKey, m.Max.UserKey
}

func rangesOverlap(aMin, aMax, bMin, bMax keys.UserKey) bool {
	return aMin <= bMax && bMin <= aMax
}

func runRange(r *Run) (keys.UserKey, keys.UserKey) {
	minK, _ := tableRange(r.tables[0])
	_, maxK := tableRange(r.tables[len(r.tables)-1])
	return minK, maxK
}

// verticalCompact pushes a randomly selected slice of level's data
// down into the next level (or, at the deepest configured level,
// merges it in place, dropping tombstones that have nowhere left to
// shadow). It follows a file-level variant of horizontal compaction's
// selection rule: start from one random SSTable, pull in everything
// elsewhere in the level that overlaps its user-key range, then pull
// in everything in the destination level that overlaps the resulting
// range, and merge exactly that set.
func (db *DB) verticalCompact(level int) error {
	src := db.tree.levels[level]
	if len(src.runs) == 0 {
		return nil
	}
	target := level + 1
	if level >= db.opts.MaxLevel {
		target = level
	}
	dropTombstones := target == db.opts.MaxLevel

	baseRunIdx := db.rnd.IntN(len(src.runs))
	baseRun := src.runs[baseRunIdx]
	if len(baseRun.tables) == 0 {
		return nil
	}
	baseTable := baseRun.tables[db.rnd.IntN(len(baseRun.tables))]
	rangeMin, rangeMax := tableRange(baseTable)
	db.opts.Logger.Debug("vertical compaction picked base table", "level", level, "target", target, "min", rangeMin, "max", rangeMax)

	doomed := map[*sstable.Reader]bool{baseTable: true}

	for {
		grew := false
		for ri, r := range src.runs {
			if ri == baseRunIdx {
				continue
			}
			for _, t := range r.tables {
				if doomed[t] {
					continue
				}
				tMin, tMax := tableRange(t)
				if rangesOverlap(rangeMin, rangeMax, tMin, tMax) {
					doomed[t] = true
					if tMin < rangeMin {
						rangeMin = tMin
					}
					if tMax > rangeMax {
						rangeMax = tMax
					}
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	dst := db.tree.levelAt(target)
	if target != level {
		for _, r := range dst.runs {
			for _, t := range r.tables {
				tMin, tMax := tableRange(t)
				if rangesOverlap(rangeMin, rangeMax, tMin, tMax) {
					doomed[t] = true
				}
			}
		}
	}

	tables := make([]*sstable.Reader, 0, len(doomed))
	for t := range doomed {
		tables = append(tables, t)
	}

	db.opts.Logger.Debug("vertical compaction selected files", "level", level, "target", target, "count", len(tables), "drop_tombstones", dropTombstones)
	merged, err := db.mergeTables(tables, dropTombstones)
	if err != nil {
		return err
	}

	removeDoomedTables(src, doomed)
	if target != level {
		removeDoomedTables(dst, doomed)
	}
	if merged.NumTables() > 0 {
		dst.runs = append(dst.runs, merged)
	}
	if err := deleteTableFiles(tables); err != nil {
		return err
	}
	return db.writeManifest()
}

// horizontalCompact merges a randomly selected group of overlapping
// runs within level into one run, leaving any run whose range doesn't
// overlap the group untouched. If no two runs in the level overlap at
// all, every run is merged together instead, guaranteeing the level's
// run count drops even in that degenerate case.
func (db *DB) horizontalCompact(level int) error {
	l := db.tree.levels[level]
	if len(l.runs) < 2 {
		return nil
	}

	var group []int
	tried := map[int]bool{}
	for len(tried) < len(l.runs) {
		base := db.rnd.IntN(len(l.runs))
		if tried[base] {
			continue
		}
		tried[base] = true
		candidate := overlappingGroup(l.runs, base)
		if len(candidate) > 1 {
			group = candidate
			break
		}
	}
	if group == nil {
		group = make([]int, len(l.runs))
		for i := range group {
			group[i] = i
		}
	}

	inGroup := map[int]bool{}
	selected := make([]*Run, 0, len(group))
	for _, idx := range group {
		inGroup[idx] = true
		selected = append(selected, l.runs[idx])
	}

	db.opts.Logger.Debug("horizontal compaction selected runs", "level", level, "count", len(selected))
	merged, err := db.mergeRuns(selected, false)
	if err != nil {
		return err
	}

	remaining := make([]*Run, 0, len(l.runs)-len(group)+1)
	for i, r := range l.runs {
		if !inGroup[i] {
			remaining = append(remaining, r)
		}
	}
	if merged.NumTables() > 0 {
		remaining = append(remaining, merged)
	}

	for _, r := range selected {
		if err := deleteTableFiles(r.tables); err != nil {
			return err
		}
	}
	l.runs = remaining
	return db.writeManifest()
}

func overlappingGroup(runs []*Run, base int) []int {
	baseMin, baseMax := runRange(runs[base])
	group := []int{base}
	for i, r := range runs {
		if i == base {
			continue
		}
		rMin, rMax := runRange(r)
		if rangesOverlap(baseMin, baseMax, rMin, rMax) {
			group = append(group, i)
		}
	}
	return group
}

// removeDoomedTables drops every table in doomed from level's runs,
// dropping any run that becomes empty as a result.
func removeDoomedTables(level *Level, doomed map[*sstable.Reader]bool) {
	kept := make([]*Run, 0, len(level.runs))
	for _, r := range level.runs {
		remain := make([]*sstable.Reader, 0, len(r.tables))
		for _, t := range r.tables {
			if !doomed[t] {
				remain = append(remain, t)
			}
		}
		if len(remain) > 0 {
			r.tables = remain
			kept = append(kept, r)
		}
	}
	level.runs = kept
}

func deleteTableFiles(tables []*sstable.Reader) error {
	for _, t := range tables {
		if err := os.Remove(t.Meta().Path); err != nil {
			return err
		}
	}
	return nil
}

type mergeHeapItem struct {
	it   keys.TableKeyIterator
	key  keys.TableKey
	rank int
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := keys.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRuns performs a k-way merge of whole runs into one new run,
// used by horizontal compaction where entire runs, not individual
// files, are the unit of merging.
func (db *DB) mergeRuns(runs []*Run, dropTombstones bool) (*Run, error) {
	its := make([]keys.TableKeyIterator, 0, len(runs))
	defer closeAll(its)

	var h mergeHeap
	for i, r := range runs {
		it, err := r.NewIterator()
		if err != nil {
			return nil, err
		}
		its = append(its, it)
		if it.Next() {
			h = append(h, &mergeHeapItem{it: it, key: it.Key(), rank: i})
		}
	}
	heap.Init(&h)
	return db.drainMergeHeap(h, dropTombstones)
}

// mergeTables performs a k-way merge of individual SSTables into one
// new run, used by vertical compaction where the selected input is a
// file-level subset of one or more runs rather than whole runs.
func (db *DB) mergeTables(tables []*sstable.Reader, dropTombstones bool) (*Run, error) {
	its := make([]keys.TableKeyIterator, 0, len(tables))
	defer closeAll(its)

	var h mergeHeap
	for i, t := range tables {
		it, err := t.NewIterator()
		if err != nil {
			return nil, err
		}
		its = append(its, it)
		if it.Next() {
			h = append(h, &mergeHeapItem{it: it, key: it.Key(), rank: i})
		}
	}
	heap.Init(&h)
	return db.drainMergeHeap(h, dropTombstones)
}

func closeAll(its []keys.TableKeyIterator) {
	for _, it := range its {
		it.Close()
	}
}

// drainMergeHeap streams a min-heap of table-key iterators into a
// fresh sorted run, keeping only the first (newest, by table-key
// order) version of each user key and optionally dropping that
// version too when it is a delete.
func (db *DB) drainMergeHeap(h mergeHeap, dropTombstones bool) (*Run, error) {
	w := sstable.NewWriter(sstable.WriterOptions{
		Dir:        db.opts.Dir,
		BlockSize:  db.opts.BlockSize,
		SizeCap:    db.opts.SSTableSizeCap,
		NextFileID: db.allocFileID,
		BloomM:     db.opts.BloomM,
		BloomK:     db.opts.BloomK,
		Logger:     db.opts.Logger,
	})

	var lastUserKey keys.UserKey
	haveLast := false
	for h.Len() > 0 {
		top := h[0]
		tk := top.key
		if !haveLast || tk.UserKey != lastUserKey {
			if !(dropTombstones && tk.WriteType == keys.WriteTypeDelete) {
				if err := w.Add(tk); err != nil {
					return nil, err
				}
			}
			lastUserKey = tk.UserKey
			haveLast = true
		}
		if top.it.Next() {
			top.key = top.it.Key()
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	metas, err := w.Finish()
	if err != nil {
		return nil, err
	}
	readers, err := db.openReaders(metas)
	if err != nil {
		return nil, err
	}
	return newRun(readers), nil
}

func (db *DB) openReaders(metas []*sstable.Meta) ([]*sstable.Reader, error) {
	readers := make([]*sstable.Reader, 0, len(metas))
	for _, m := range metas {
		r, err := sstable.Open(m.Path, db.opts.BloomM, db.opts.BloomK, db.opts.Logger)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}
