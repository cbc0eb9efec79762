// Package indicator implements the incremental indicators strategies feed
// bars into: EMA, ATR, session VWAP and a rolling high/low window.
//
// Every indicator is a pure state machine over its input sequence: no
// clocks, no I/O, no randomness. Feeding two instances the same bars in
// the same order produces bit-identical values, which is what makes
// backfill replay equivalent to having been live. Value is meaningful only
// once Ready reports true; Reset returns the indicator to its initial
// state.
package indicator
