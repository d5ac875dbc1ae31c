// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs so that the governance pipeline can
// treat the worker model and the guardrail model as interchangeable text
// generators.
package llm
