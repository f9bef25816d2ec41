// Command beatbridge mirrors a producer's track catalog into a storefront.
// One invocation discovers new catalog items, downloads their assets,
// normalizes stems archives, and publishes products, then prints a run
// summary and exits.
package main
