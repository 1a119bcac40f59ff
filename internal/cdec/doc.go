// Package cdec imports station records and sensor time series from the
// California Data Exchange Center into a storage.Store.
//
// Every sensor import is one importer.Job whose pipeline builds the servlet
// URL, fetches it, parses the JSON (or SHEF .A) payload and merges the values
// into the series repository for the requested window.
package cdec
