/* Copyright (c) 2025 hip-vpls project */

package main

import (
	bolt "go.etcd.io/bbolt"
	"os"
	"path"
	"time"
)

/* Persistent store

The DB keeps operator facing soft state across restarts: per peer counters
and the locator each peer last talked from. Security associations are
deliberately not persisted, a crash simply re-runs the base exchange.

Writes go through dbchan so the forwarder never blocks on disk. Restores run
at startup before any goroutine starts, directly and without locking.
*/

const (
	dbname  = "hipvpls.db"
	ctrbkt  = "counters" // hit -> 11 uint64, big endian
	locbkt  = "locators" // hit -> 4 byte IPv4

	DB_SAVE_TICK = 67 * time.Second // periodic counter flush
)

var db *bolt.DB
var dbchan chan db_req

type db_req struct {
	hit HIT
	ip  IP
}

// restored at startup, read only thereafter
var restored_locators map[HIT]IP

func db_note_locator(hit HIT, ip IP) {

	if db == nil {
		return
	}
	select {
	case dbchan <- db_req{hit: hit, ip: ip}:
	default: // never block the forwarder on the DB
	}
}

func db_save_locator(req db_req) {

	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(locbkt))
		if err != nil {
			return err
		}
		return bkt.Put(req.hit[:], req.ip.AsSlice())
	})
	if err != nil {
		log.err("db: failed to save locator: %v", err)
	}
}

func ctrs_encode(pc *PeerCtrs) []byte {

	vals := []uint64{
		pc.bex_attempts.Load(), pc.bex_successes.Load(),
		pc.auth_failures.Load(), pc.replay_drops.Load(),
		pc.malformed_drops.Load(), pc.puzzle_drops.Load(),
		pc.seq_out.Load(),
		pc.tx_bytes.Load(), pc.rx_bytes.Load(),
		pc.frames_queued.Load(), pc.queue_drops.Load(),
	}
	bs := make([]byte, len(vals)*8)
	for ii, v := range vals {
		be.PutUint64(bs[ii*8:], v)
	}
	return bs
}

func ctrs_decode(pc *PeerCtrs, bs []byte) {

	if len(bs) < 11*8 {
		return
	}
	at := func(ii int) uint64 { return be.Uint64(bs[ii*8:]) }
	pc.bex_attempts.Store(at(0))
	pc.bex_successes.Store(at(1))
	pc.auth_failures.Store(at(2))
	pc.replay_drops.Store(at(3))
	pc.malformed_drops.Store(at(4))
	pc.puzzle_drops.Store(at(5))
	// seq_out is per SA and meaningless across a restart, skip at(6)
	pc.tx_bytes.Store(at(7))
	pc.rx_bytes.Store(at(8))
	pc.frames_queued.Store(at(9))
	pc.queue_drops.Store(at(10))
}

func db_save_counters() {

	snap := ctrs.snapshot()
	if len(snap) == 0 {
		return
	}

	err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(ctrbkt))
		if err != nil {
			return err
		}
		for hit, pc := range snap {
			if err := bkt.Put(hit[:], ctrs_encode(pc)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.err("db: failed to save counters: %v", err)
	}
}

func db_restore() {

	restored_locators = make(map[HIT]IP)

	db.View(func(tx *bolt.Tx) error {

		if bkt := tx.Bucket([]byte(ctrbkt)); bkt != nil {
			bkt.ForEach(func(key, val []byte) error {
				if len(key) == 16 {
					ctrs_decode(ctrs.peer(HITFromSlice(key)), val)
				}
				return nil
			})
		}

		if bkt := tx.Bucket([]byte(locbkt)); bkt != nil {
			bkt.ForEach(func(key, val []byte) error {
				if len(key) == 16 && len(val) == 4 {
					restored_locators[HITFromSlice(key)] = IPFromSlice(val)
				}
				return nil
			})
		}
		return nil
	})

	if len(restored_locators) > 0 {
		log.info("db: restored %v peer locators", len(restored_locators))
	}
}

func db_listen() {

	tick := time.NewTicker(DB_SAVE_TICK)

	for {
		select {

		case req := <-dbchan:

			db_save_locator(req)

		case <-tick.C:

			db_save_counters()
			for hit := range ctrs.snapshot() {
				ctrs.log_peer(hit)
			}
			if n := unknown_spi_drops.Load(); n > 0 {
				log.info("ctrs: unknown spi drops(%v)", n)
			}
		}
	}
}

func stop_db() {

	if db != nil {
		db_save_counters()
		log.info("closing DB: %v", dbname)
		db.Close()
		db = nil
	}
}

func start_db() {

	var err error

	dbpath := path.Join(cli.datadir, dbname)

	log.info("opening DB: %v", dbname)

	os.MkdirAll(cli.datadir, 0775)
	db, err = bolt.Open(dbpath, 0664, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.fatal("cannot create %v: %v", dbname, err)
	}

	db_restore()

	dbchan = make(chan db_req, 64)
	go db_listen()
}
