// Package engine rewrites one method into a resumable state machine.
//
// Transformation pipeline for a method with tagged call sites:
//  1. Collect the marks left by the labeler and check preconditions
//  2. Analyze frames and compute live locals at each site
//  3. Emit the dispatch prologue, per-site spill/save/restore code and
//     frame pops before returns
//  4. Split handler ranges around the inserted code
//  5. Recompute limits
package engine
