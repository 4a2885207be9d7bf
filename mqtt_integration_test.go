package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/roofmesh/footprint"
)

// testBroker returns the broker used by the integration tests.
func testBroker() string {
	if b := os.Getenv("MQTT_TEST_BROKER"); b != "" {
		return b
	}
	return "tcp://localhost:1883"
}

// TestMQTTRunEvents runs the pipeline against a real broker and checks the
// run and progress messages a subscriber sees.
func TestMQTTRunEvents(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}
	quiet(t)

	prefix := "roofmesh-test-" + time.Now().Format("150405.000")
	t.Setenv("MQTT_BROKER", testBroker())
	t.Setenv("MQTT_PUBLISH_PREFIX", prefix)
	t.Setenv("MQTT_CLIENT_ID", prefix+"-run")

	var mu sync.Mutex
	var runEvents []footprint.RunEvent
	var tileEvents []footprint.TileEvent

	opts := mqtt.NewClientOptions().AddBroker(testBroker()).SetClientID(prefix + "-sub")
	sub := mqtt.NewClient(opts)
	if token := sub.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("Failed to connect subscriber: %v", token.Error())
	}
	defer sub.Disconnect(250)

	token := sub.Subscribe(prefix+"/#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(msg.Topic(), "/run"):
			var ev footprint.RunEvent
			if err := json.Unmarshal(msg.Payload(), &ev); err == nil {
				runEvents = append(runEvents, ev)
			}
		case strings.HasSuffix(msg.Topic(), "/progress"):
			var ev footprint.TileEvent
			if err := json.Unmarshal(msg.Payload(), &ev); err == nil {
				tileEvents = append(tileEvents, ev)
			}
		}
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("Failed to subscribe: %v", token.Error())
	}

	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))
	if err := app.runPipeline(context.Background(), &strings.Builder{}); err != nil {
		t.Fatalf("runPipeline failed: %v", err)
	}
	if app.MQTTClient == nil {
		t.Fatal("Expected the run to connect to the broker")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(runEvents) >= 2 && len(tileEvents) >= 4
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runEvents) < 2 {
		t.Fatalf("Expected started and finished run events, got %d", len(runEvents))
	}
	if runEvents[0].Event != "started" || runEvents[len(runEvents)-1].Event != "finished" {
		t.Errorf("Unexpected run events: %+v", runEvents)
	}
	last := runEvents[len(runEvents)-1].Progress
	if last.Status != footprint.RunSucceeded || last.Buildings != 2 {
		t.Errorf("Unexpected final progress: %+v", last)
	}
	if len(tileEvents) != 4 {
		t.Errorf("Expected 4 progress events, got %d", len(tileEvents))
	}
	for _, ev := range tileEvents {
		if ev.Total != 4 {
			t.Errorf("Expected total 4 in %+v", ev)
		}
	}
}

// TestMQTTUnreachableBroker checks that a run without a reachable broker
// still completes.
func TestMQTTUnreachableBroker(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}
	quiet(t)
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1")

	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))
	if err := app.runPipeline(context.Background(), &strings.Builder{}); err != nil {
		t.Fatalf("runPipeline failed: %v", err)
	}
	if app.MQTTClient != nil {
		t.Error("Expected no MQTT client for an unreachable broker")
	}
}

// TestSignalHandling interrupts a built binary mid-run. The run either
// finishes first (exit 0) or aborts (exit 1); it must not hang or crash.
func TestSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	dataset := writeScene(t, tmpDir)

	// Build binary
	binaryPath := filepath.Join(tmpDir, "roofmesh-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}

	cmd := exec.Command(binaryPath,
		"--dataset", dataset,
		"--tile-size", "5",
		"--workers", "2",
		"--output", filepath.Join(tmpDir, "buildings.geojson"),
		"--spool", filepath.Join(tmpDir, "tiles.geojson"),
		"--ledger", filepath.Join(tmpDir, "ledger.db"),
		"--env", "",
	)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			t.Log("Run finished before the interrupt")
		case errors.As(err, &exitErr) && exitErr.ExitCode() == exitAborted:
			t.Log("Run aborted on interrupt")
		default:
			t.Errorf("Unexpected exit: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Run did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestHelpFlag checks that --help documents the main flags and exits 0.
func TestHelpFlag(t *testing.T) {
	cmd := exec.Command("go", "run", ".", "--help")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("--help should exit 0: %v\n%s", err, output)
	}

	outputStr := string(output)
	for _, flag := range []string{"-dataset", "-tile-size", "-resume", "-merge-only", "-worker-mode"} {
		if !strings.Contains(outputStr, flag) {
			t.Errorf("Expected --help output to contain %s", flag)
		}
	}
}
