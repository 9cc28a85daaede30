// Package tracker implements the live tram tracking pipeline: map
// matching against route geometry, stop sequence detection, arrival
// estimation, and learned travel times.
package tracker

import (
	"fmt"
	"log"
	"os"
	"time"
)

// RunTrackerLoop polls the vehicle feed every pollEverySeconds and
// rebuilds the route catalog every refreshEveryHours, until a shutdown
// signal arrives.
func RunTrackerLoop(log *log.Logger,
	tracker *Tracker,
	catalog *CatalogLoader,
	pollEverySeconds int,
	refreshEveryHours int,
	shutdownSignal chan os.Signal) error {

	loopDuration := time.Duration(pollEverySeconds) * time.Second
	refreshEvery := time.Duration(refreshEveryHours) * time.Hour

	sleepChan := make(chan bool)
	sleep := time.Duration(0) //poll immediately the first time

	nextRefresh := time.Now()
	if !catalog.Current().BuiltAt().IsZero() {
		nextRefresh = catalog.Current().BuiltAt().Add(refreshEvery)
	}
	for {

		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("Exiting on shutdown signal")
			return nil
		case <-sleepChan:
			break
		}

		//set default sleep for next loop in the event of an error after continue statements
		sleep = loopDuration

		// mark the time we start working
		start := time.Now()

		if !start.Before(nextRefresh) {
			if err := catalog.Refresh(); err != nil {
				log.Printf("error refreshing catalog, keeping previous snapshot. error:%v\n", err)
			}
			// on failure try again next cycle through a full interval,
			// not every poll
			nextRefresh = start.Add(refreshEvery)
		}

		if err := tracker.Poll(); err != nil {
			log.Printf("error polling vehicle positions. error:%v\n", err)
			continue
		}

		// attempt to run the loop every pollEverySeconds by subtracting the time it took to perform the work
		workTook := time.Now().Sub(start)

		if workTook >= loopDuration {
			log.Printf("work took %s, longer than the poll interval\n", fmtDuration(workTook))
			sleep = time.Duration(0)
		} else {
			sleep = loopDuration - workTook
		}

	}
}

//fmtDuration returns a string presentation of time.Duration for logging
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	mill := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d.%d", h, m, mill)
}
