// Package scenario holds the end-to-end event verification scenarios: which topic to
// join, which event to wait for, and which payload checks to record. Run drives one
// scenario over a Channel; results are written as .result_<scenario>.json files.
package scenario
