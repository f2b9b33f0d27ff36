// Package challenge holds the per-community challenge catalog and the
// answer verifier.
//
// A catalog is parsed from a newline-delimited definition file:
//
//	<flag>|<name>|<category>|<description>|<difficulty>|<reward>
//
// The legacy five-field form without a category is also accepted. Lines
// that cannot be parsed are skipped and reported as ParseWarning values;
// they never abort the load.
//
// Challenges are identified by Identity, the normalized form of their name:
// all whitespace removed, NFC-normalized and case-folded. Two names with the
// same Identity are the same challenge, regardless of how the other fields
// change across reloads.
package challenge
