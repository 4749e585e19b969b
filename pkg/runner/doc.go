// Package runner is the worker-side counterpart of the prefork
// supervisor. A worker program wraps its long-running work in Run, which
// installs signal handling, cancels the work context on a terminate
// request, bounds the drain with a grace period, and turns the outcome
// into the process exit code the supervisor classifies.
//
//	func main() {
//	    ls, err := runner.Listeners()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    os.Exit(runner.Run(context.Background(), func(ctx context.Context) error {
//	        return serve(ctx, ls)
//	    }, nil))
//	}
package runner
