package etree

import "errors"

// ErrFull is returned by Encode when a leaf or node's contents no longer
// fit in one chunk — the trigger for split_leaf / index-node splitting.
var ErrFull = errors.New("etree: block full")

// ErrCorrupt indicates an on-disk structure failed a format sanity check
// (bad magic, inconsistent offsets).
var ErrCorrupt = errors.New("etree: corrupt on-disk structure")

// ErrNotFound indicates probe reached a leaf with no matching key and the
// caller required one to exist. Nothing in this package returns it at
// present: TestUnique and MakeUnique treat a missing key as an ordinary
// result.
var ErrNotFound = errors.New("etree: key not found")
