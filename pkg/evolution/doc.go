// Package evolution computes semantic drift between the configuration a bot
// was deployed with and the configuration it is running with now.
//
// Skills, MCP servers and channels are compared as sets of names, the tool
// profile field by field, and every other top-level key by canonical JSON
// equality. ComputeDiff returns changes in a fixed order so that two runs over
// the same inputs produce identical output.
package evolution
