// Package runstore owns the on-disk run tree written by every agent
// invocation.
//
// A Store sits on top of an output directory (by default
// <project_root>/__ai_outputs__) and hands out numbered RunSessions:
//
//	__ai_outputs__/
//	    run_counter.txt
//	    run_007/
//	        backups/        versioned copies of files before a destructive write
//	        diffs/          unified diffs for every proposed or applied edit
//	        logs/actions.log
//	        summary.txt     human readable narrative of the run
//	        run_summary.json
//	        llm_message
//
// The Store is the only writer of this tree. There is no locking: two agent
// processes sharing one output directory race on the counter file.
//
// The package also carries the sandbox rules every filesystem-touching tool
// goes through (Resolve, VersionedPath), the Recorder that turns an edit into a
// diff/backup/log/summary entry, the Context Loader that reads the previous
// run's summary back (LoadPrevious), and the Persister that writes the final
// summary according to the run's Outcome.
package runstore
