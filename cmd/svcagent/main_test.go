package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcagent "github.com/axondata/go-svcagent"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), svcagent.Version)
	assert.Contains(t, stdout.String(), svcagent.Protocol)
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"explode"}, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "usage")
}

func TestRunCallValidation(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run([]string{"call"}, &stdout, &stderr)
	require.Error(t, err)

	err = run([]string{"call", "explode"}, &stdout, &stderr)
	require.ErrorContains(t, err, "unknown operation")

	err = run([]string{"call", "start", "{not json"}, &stdout, &stderr)
	require.ErrorContains(t, err, "not valid JSON")
}

func TestRunCallUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var stdout, stderr bytes.Buffer
	err = run([]string{"call", "-addr", addr, "-timeout", "1s", "services"}, &stdout, &stderr)
	require.Error(t, err)
	assert.False(t, svcagent.IsRemote(err))
}

func TestRunRestarterBadArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{svcagent.RestarterCommand, "-grace", "later"}, &stdout, &stderr)
	require.Error(t, err)
}
