// Package agentloop runs one agent run: the loop that alternates model
// calls with the five sandboxed code tools.
//
// A Session seeds the conversation with the previous run's summary and the
// user prompt, then calls the model up to MaxIterations times. Every
// function call the model returns goes through the Gate, which enforces
// the propose-then-apply protocol across runs, and then through the
// Dispatcher, which turns whatever the tool does (success, validation
// failure, timeout, Go error or panic) into an Envelope the model can read.
// A text answer ends the run.
//
// When the loop stops, Classify turns the run's counters into a
// runstore.Outcome, and the caller persists RunResult.Record with
// runstore.Store.Persist.
//
//	rec := runstore.NewRecorder(run, logger)
//	session, err := agentloop.NewSession(agentloop.SessionDeps{
//	    Client:   client,
//	    Recorder: rec,
//	    Previous: store.LoadPrevious(run),
//	    Logger:   logger,
//	    Out:      os.Stdout,
//	}, agentloop.DefaultSessionConfig())
//	if err != nil {
//	    return err
//	}
//	res, runErr := session.Run(ctx, prompt)
//	if res != nil {
//	    _ = store.Persist(run, res.Outcome, res.Record(), res.OutcomeMessage)
//	}
package agentloop
