// Package ard defines the identifiers and records shared by every stage of the
// tiling pipeline: Landsat product IDs, ARD tile IDs, scene processing states,
// segments and tile coordinates.
//
// Product IDs follow the USGS collection naming scheme:
//
//	{mission}_{proc}_{path:03}{row:03}_{acqdate}_{procdate}_{collection:02}_{category}
//
// Tile IDs embed the region grid cell and the build date:
//
//	{mission}_{region}_{H:03}{V:03}_{acqdate}_{today}_C{collection:02}_V{version:02}
//
// Dates are civil UTC days and always render as YYYYMMDD.
package ard
