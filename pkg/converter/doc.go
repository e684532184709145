/*
Package converter executes the external TeX converter image.

The converter is a black box: a container exposing /bin/autotex.pl, invoked
with a flag vector and a single bind mount. The runner translates the worker
workspace path into the converter host's view of the same volume
(WorkerSourceRoot vs DINDSourceRoot), binds it to /autotex inside the
container, captures stdout/stderr, and classifies the outcome by inspecting
the workspace afterwards:

  - the artifact is the first file in tex_cache/ with the requested
    format's extension;
  - the log is tex_logs/autotex.log, created from captured stdout when the
    converter did not write one.

A missing artifact is not an error at this layer; it is surfaced as an empty
path and classified by the worker. Corrupted or malicious sources are
detected by marker strings on stderr and reported as ErrCorruptedSource.

When image pulling is enabled, the runner authenticates to the registry with
short-lived credentials from ECR before each invocation.
*/
package converter
