/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"container/heap"
	"time"
)

/* Retransmission timers

Base exchange retransmissions are driven by a single timer goroutine owning a
deadline heap. The forwarder schedules a deadline by sending a request over
timer_set; when it comes due the goroutine posts a TimerEv back on timerq.
The forwarder never sleeps.

Cancellation is lazy: every association carries a generation counter which is
bumped whenever its timer becomes irrelevant. A TimerEv whose generation does
not match the association's current one is ignored on arrival.
*/

type TimerEv struct {
	peer HIT
	gen  uint32
}

type timer_req struct {
	peer HIT
	gen  uint32
	at   time.Time
}

var timer_set chan timer_req
var timerq chan TimerEv

type theap []timer_req

func (h theap) Len() int            { return len(h) }
func (h theap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h theap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *theap) Push(x interface{}) { *h = append(*h, x.(timer_req)) }
func (h *theap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func timer_loop() {

	h := &theap{}
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()

	rearm := func() {
		tmr.Stop()
		if h.Len() > 0 {
			tmr.Reset(time.Until((*h)[0].at))
		}
	}

	for {
		select {

		case req := <-timer_set:

			heap.Push(h, req)
			rearm()

		case now := <-tmr.C:

			for h.Len() > 0 && !(*h)[0].at.After(now) {
				req := heap.Pop(h).(timer_req)
				timerq <- TimerEv{peer: req.peer, gen: req.gen}
			}
			rearm()
		}
	}
}

// Called from the forwarder; never blocks for long (timer_set is buffered).
func timer_after(peer HIT, gen uint32, dly time.Duration) {
	timer_set <- timer_req{peer: peer, gen: gen, at: time.Now().Add(dly)}
}
