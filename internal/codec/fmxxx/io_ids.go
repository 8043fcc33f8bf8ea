// Package fmxxx names the FMB/FMC AVL IO element ids the tracker reads.
package fmxxx

const (
	Ignition     = 239
	Movement     = 240
	GnssStatus   = 69
	VehicleSpeed = 24
	ExtVolt      = 66
	BattLevel    = 113
)
