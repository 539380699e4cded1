// Package llm defines the tool-augmented model contract used by the decision
// loop and the colloquial rewrite stage. Provider adapters live in subpackages.
package llm
