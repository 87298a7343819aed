package fr24

import (
	"io"

	logx "flightwatch/pkg/logx"
)

func testLogger() logx.Logger { return logx.New(io.Discard, "debug") }
