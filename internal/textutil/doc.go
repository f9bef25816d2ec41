// Package textutil provides text normalization helpers shared by the scraper
// and publisher.
package textutil
