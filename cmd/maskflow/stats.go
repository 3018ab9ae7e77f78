package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/maskflow"
	"github.com/e7canasta/maskflow/internal/preview"
)

// reportStats periodically prints statistics from all pipeline components
func reportStats(ctx context.Context, interval time.Duration, pipeline *maskflow.Pipeline, renderer maskflow.Renderer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(pipeline.Stats(), renderer)
		}
	}
}

// printLiveStats prints current statistics from all components
func printLiveStats(s maskflow.Stats, renderer maskflow.Renderer) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Pipeline Statistics (Uptime: %v)\n", s.Uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Capture:")
	fmt.Printf("│   Frames Captured:    %6d frames\n", s.Capture.FrameCount)
	fmt.Printf("│   Target FPS:         %6.2f fps\n", s.Capture.FPSTarget)
	fmt.Printf("│   Real FPS:           %6.2f fps\n", s.Capture.FPSReal)
	fmt.Printf("│   Resolution:         %s\n", s.Capture.Resolution)
	fmt.Printf("│   Running:            %6v\n", s.Capture.IsRunning)

	fmt.Println("│")
	fmt.Println("│ Worker:")
	fmt.Printf("│   State:              %s\n", s.Worker.State)
	if s.Worker.Reason != "" {
		fmt.Printf("│   Reason:             %s\n", s.Worker.Reason)
	}
	fmt.Printf("│   Since:              %v ago\n", time.Since(s.Worker.Since).Round(time.Second))

	fmt.Println("│")
	fmt.Println("│ Frame Pump:")
	fmt.Printf("│   Ticks:              %6d\n", s.Pump.Ticks)
	fmt.Printf("│   Submitted:          %6d\n", s.Pump.Submitted)
	fmt.Printf("│   Completed:          %6d\n", s.Pump.Completed)
	fmt.Printf("│   Dropped:            %6d (consecutive %d)\n", s.Pump.Dropped, s.Pump.ConsecutiveDrops)
	fmt.Printf("│   Failed:             %6d\n", s.Pump.Failed)
	fmt.Printf("│   Skipped (busy):     %6d\n", s.Pump.SkippedBusy)
	fmt.Printf("│   Skipped (no frame): %6d\n", s.Pump.SkippedNotReady)
	fmt.Printf("│   Skipped (no AI):    %6d\n", s.Pump.SkippedWorker)

	fmt.Println("│")
	fmt.Println("│ Mask:")
	fmt.Printf("│   Writes:             %6d\n", s.Mask.Writes)
	if !s.Mask.LastWriteAt.IsZero() {
		fmt.Printf("│   Last Write:         %v ago\n", time.Since(s.Mask.LastWriteAt).Round(time.Millisecond))
	} else {
		fmt.Println("│   Last Write:         never (default mask)")
	}

	if p, ok := renderer.(*preview.Renderer); ok {
		saved, dropped := p.Stats()
		fmt.Println("│")
		fmt.Println("│ Preview:")
		fmt.Printf("│   Saved:              %6d\n", saved)
		fmt.Printf("│   Save Drops:         %6d\n", dropped)
	}

	fmt.Println("│")
	fmt.Println("│ Status Stream:")
	fmt.Printf("│   Published:          %6d\n", s.Events.TotalPublished)
	for id, sub := range s.Events.Subscribers {
		fmt.Printf("│   %-18s  sent %d, dropped %d\n", id+":", sub.Sent, sub.Dropped)
	}
	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
}
