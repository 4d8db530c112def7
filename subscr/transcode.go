package subscr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/maxpert/cqnotify/driver"
)

// A pending block is one little-endian buffer:
//
//	header | table records | row records | query records | [error record] | arena
//
// Strings live in the arena and are referenced by absolute (offset, length)
// spans. Tables reference their rows, and queries their tables, by
// (start, count) index ranges. Message level tables occupy the first
// header.msgTables table records; query tables follow in query order.
const (
	headerSize   = 32 // eventType dbOff dbLen msgTables tables rows queries hasError
	tableRecSize = 20 // op nameOff nameLen rowStart rowCount
	rowRecSize   = 12 // op rowidOff rowidLen
	queryRecSize = 20 // id(8) op tableStart tableCount
	errorRecSize = 52 // code offset recoverable + 5 spans
)

var le = binary.LittleEndian

// layout is the result of the measuring pass.
type layout struct {
	msgTables int
	tables    int
	rows      int
	queries   int
	hasError  bool
	arena     int
}

func (l *layout) tablesAt() int  { return headerSize }
func (l *layout) rowsAt() int    { return l.tablesAt() + l.tables*tableRecSize }
func (l *layout) queriesAt() int { return l.rowsAt() + l.rows*rowRecSize }
func (l *layout) errorAt() int   { return l.queriesAt() + l.queries*queryRecSize }

func (l *layout) arenaAt() int {
	if l.hasError {
		return l.errorAt() + errorRecSize
	}
	return l.errorAt()
}

func (l *layout) size() int { return l.arenaAt() + l.arena }

// measure walks msg in materialize order and sizes every record and string.
func measure(msg *driver.Message) layout {
	var l layout
	l.arena += len(msg.DBName)
	l.measureTables(msg.Tables)
	l.msgTables = l.tables
	for i := range msg.Queries {
		l.queries++
		l.measureTables(msg.Queries[i].Tables)
	}
	if e := msg.Error; e != nil {
		l.hasError = true
		l.arena += len(e.Message) + len(e.Encoding) + len(e.FnName) + len(e.Action) + len(e.SQLState)
	}
	return l
}

func (l *layout) measureTables(tables []driver.Table) {
	for i := range tables {
		t := &tables[i]
		l.tables++
		l.arena += len(t.Name)
		for j := range t.Rows {
			l.rows++
			l.arena += len(t.Rows[j].Rowid)
		}
	}
}

// copyMessage deep copies a transient driver message into one freshly
// allocated block. limit <= 0 disables the size check.
func copyMessage(msg *driver.Message, limit int) (*pendingMessage, error) {
	l := measure(msg)
	size := l.size()
	if uint64(size) > math.MaxUint32 || (limit > 0 && size > limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	return &pendingMessage{block: materialize(msg, &l)}, nil
}

// blockWriter fills a block in the same traversal order as measure.
type blockWriter struct {
	buf   []byte
	l     *layout
	table int
	row   int
	query int
	arena int
}

func materialize(msg *driver.Message, l *layout) []byte {
	w := &blockWriter{
		buf:   make([]byte, l.size()),
		l:     l,
		arena: l.arenaAt(),
	}

	dbOff, dbLen := w.str(msg.DBName)
	w.tables(msg.Tables)
	for i := range msg.Queries {
		q := &msg.Queries[i]
		rec := w.buf[l.queriesAt()+w.query*queryRecSize:]
		w.query++
		start, count := w.tables(q.Tables)
		le.PutUint64(rec[0:], q.ID)
		le.PutUint32(rec[8:], uint32(q.Operation))
		le.PutUint32(rec[12:], start)
		le.PutUint32(rec[16:], count)
	}
	if e := msg.Error; e != nil {
		rec := w.buf[l.errorAt():]
		le.PutUint32(rec[0:], uint32(e.Code))
		le.PutUint32(rec[4:], e.Offset)
		if e.IsRecoverable {
			le.PutUint32(rec[8:], 1)
		}
		for i, s := range [][]byte{e.Message, e.Encoding, e.FnName, e.Action, e.SQLState} {
			off, n := w.str(s)
			le.PutUint32(rec[12+i*8:], off)
			le.PutUint32(rec[16+i*8:], n)
		}
	}

	h := w.buf
	le.PutUint32(h[0:], uint32(msg.EventType))
	le.PutUint32(h[4:], dbOff)
	le.PutUint32(h[8:], dbLen)
	le.PutUint32(h[12:], uint32(l.msgTables))
	le.PutUint32(h[16:], uint32(l.tables))
	le.PutUint32(h[20:], uint32(l.rows))
	le.PutUint32(h[24:], uint32(l.queries))
	if l.hasError {
		le.PutUint32(h[28:], 1)
	}
	return w.buf
}

func (w *blockWriter) str(b []byte) (uint32, uint32) {
	off := w.arena
	w.arena += copy(w.buf[off:], b)
	return uint32(off), uint32(len(b))
}

func (w *blockWriter) tables(tables []driver.Table) (uint32, uint32) {
	start := w.table
	for i := range tables {
		t := &tables[i]
		rec := w.buf[w.l.tablesAt()+w.table*tableRecSize:]
		w.table++
		rowStart := w.row
		for j := range t.Rows {
			r := &t.Rows[j]
			rrec := w.buf[w.l.rowsAt()+w.row*rowRecSize:]
			w.row++
			off, n := w.str(r.Rowid)
			le.PutUint32(rrec[0:], uint32(r.Operation))
			le.PutUint32(rrec[4:], off)
			le.PutUint32(rrec[8:], n)
		}
		off, n := w.str(t.Name)
		le.PutUint32(rec[0:], uint32(t.Operation))
		le.PutUint32(rec[4:], off)
		le.PutUint32(rec[8:], n)
		le.PutUint32(rec[12:], uint32(rowStart))
		le.PutUint32(rec[16:], uint32(len(t.Rows)))
	}
	return uint32(start), uint32(len(tables))
}

// blockReader converts a block into the host representation, validating
// every span and range against the block.
type blockReader struct {
	buf []byte
	l   layout
}

// decode builds an owned *Message from a pending block.
func decode(block []byte) (*Message, error) {
	if len(block) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorruptMessage)
	}
	r := &blockReader{buf: block}
	r.l = layout{
		msgTables: int(le.Uint32(block[12:])),
		tables:    int(le.Uint32(block[16:])),
		rows:      int(le.Uint32(block[20:])),
		queries:   int(le.Uint32(block[24:])),
		hasError:  le.Uint32(block[28:]) != 0,
	}
	if r.l.msgTables > r.l.tables || r.l.arenaAt() > len(block) {
		return nil, fmt.Errorf("%w: record counts exceed block", ErrCorruptMessage)
	}

	msg := &Message{EventType: driver.EventType(le.Uint32(block[0:]))}
	var err error
	if msg.DBName, err = r.str(block[4:]); err != nil {
		return nil, err
	}
	if msg.Tables, err = r.tables(0, uint32(r.l.msgTables)); err != nil {
		return nil, err
	}

	msg.Queries = make([]Query, 0, r.l.queries)
	for i := 0; i < r.l.queries; i++ {
		rec := block[r.l.queriesAt()+i*queryRecSize:]
		q := Query{
			ID:        le.Uint64(rec[0:]),
			Operation: driver.OpCode(le.Uint32(rec[8:])),
		}
		if q.Tables, err = r.tables(le.Uint32(rec[12:]), le.Uint32(rec[16:])); err != nil {
			return nil, err
		}
		msg.Queries = append(msg.Queries, q)
	}

	if r.l.hasError {
		rec := block[r.l.errorAt():]
		e := &ErrorInfo{
			Code:          int32(le.Uint32(rec[0:])),
			Offset:        le.Uint32(rec[4:]),
			IsRecoverable: le.Uint32(rec[8:]) != 0,
		}
		for i, dst := range []*string{&e.Message, &e.Encoding, &e.FnName, &e.Action, &e.SQLState} {
			if *dst, err = r.str(rec[12+i*8:]); err != nil {
				return nil, err
			}
		}
		msg.Error = e
	}
	return msg, nil
}

// str reads an (offset, length) span stored at rec and copies the bytes out.
func (r *blockReader) str(rec []byte) (string, error) {
	off := uint64(le.Uint32(rec[0:]))
	n := uint64(le.Uint32(rec[4:]))
	if off < uint64(r.l.arenaAt()) || off+n > uint64(len(r.buf)) {
		return "", fmt.Errorf("%w: string span [%d,+%d) out of arena", ErrCorruptMessage, off, n)
	}
	return string(r.buf[off : off+n]), nil
}

func (r *blockReader) tables(start, count uint32) ([]Table, error) {
	if uint64(start)+uint64(count) > uint64(r.l.tables) {
		return nil, fmt.Errorf("%w: table range [%d,+%d) out of %d", ErrCorruptMessage, start, count, r.l.tables)
	}
	out := make([]Table, 0, count)
	for i := start; i < start+count; i++ {
		rec := r.buf[r.l.tablesAt()+int(i)*tableRecSize:]
		name, err := r.str(rec[4:])
		if err != nil {
			return nil, err
		}
		rows, err := r.rows(le.Uint32(rec[12:]), le.Uint32(rec[16:]))
		if err != nil {
			return nil, err
		}
		out = append(out, Table{
			Operation: driver.OpCode(le.Uint32(rec[0:])),
			Name:      name,
			Rows:      rows,
		})
	}
	return out, nil
}

func (r *blockReader) rows(start, count uint32) ([]Row, error) {
	if uint64(start)+uint64(count) > uint64(r.l.rows) {
		return nil, fmt.Errorf("%w: row range [%d,+%d) out of %d", ErrCorruptMessage, start, count, r.l.rows)
	}
	out := make([]Row, 0, count)
	for i := start; i < start+count; i++ {
		rec := r.buf[r.l.rowsAt()+int(i)*rowRecSize:]
		rowid, err := r.str(rec[4:])
		if err != nil {
			return nil, err
		}
		out = append(out, Row{Operation: driver.OpCode(le.Uint32(rec[0:])), Rowid: rowid})
	}
	return out, nil
}
