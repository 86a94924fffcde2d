// Package rowstore provides a JSONL-backed row store with atomic multi-table
// commits.
//
// # Overview
//
// A [DB] is a directory holding one JSONL file per table. Every table is fully
// cached in memory on [Open]; reads never touch the disk. Mutations happen
// inside a physical transaction ([DB.Begin]) that stages copies of the
// touched tables and writes them out on commit.
//
// # File Format
//
// Line 1 of a table file is the schema header:
//
//	{"version":"1.0","columns":[{"name":"balance","type":"int64"}],"next_id":3}
//
// Each following line is a row, cells encoded by package codec:
//
//	{"id":1,"cells":[250]}
//
// Rows are sorted by id on load. Ids are assigned from next_id and never
// reused, even when the highest row is deleted.
//
// # Atomic Commit
//
// Each touched table is written to "<table>.jsonl.tmp". A journal naming every
// temp file and its BLAKE2b-256 checksum is then atomically installed as
// "commit.journal"; that rename is the commit point. Temp files are renamed
// over the live files and the journal is removed. On [Open], a leftover
// journal is rolled forward and temp files without a journal are discarded.
package rowstore
