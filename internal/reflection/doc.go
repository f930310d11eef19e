// Package reflection turns one session diary into a deduplicated batch of
// playbook deltas.
//
// A Loop calls a Generator repeatedly, feeding back what it has already
// proposed, until a pass yields nothing new or a budget runs out:
//
//	loop := reflection.NewLoop(gen, reflection.DefaultConfig(),
//	    reflection.WithChecker(simSvc),
//	    reflection.WithLogger(logger))
//	out, err := loop.Reflect(ctx, diary, pb)
//
// The Loop never writes the playbook. Its output is handed to the curator.
package reflection
