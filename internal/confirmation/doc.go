// Package confirmation turns independent agent observations into confirmed
// facts.
//
// Each new observation passes through three steps in a fixed order:
//
//  1. Contradiction detection demotes recent observations at the same
//     location whose structured data conflicts with the new one.
//  2. Aggregation folds the observation into its confirmation group, keyed by
//     location, category and content digest, counting each agent once.
//  3. Promotion recomputes confidence from the group's distinct agents and
//     moves the canonical observation from pending to confirmed once the
//     threshold is reached.
//
// A fuzzy matcher can additionally report a semantically equivalent
// observation found through the vector index. It never merges groups.
package confirmation
