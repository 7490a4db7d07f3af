/*
Package traffic implements the traffic switch: the only writer of the reverse
proxy's routing rule.

The rule is an nginx include file rendered from the deployment's services.
It names the active environment twice: in a marker comment that Current
parses, and in an X-Active-Environment response header that lets a synthetic
request through the public path prove which environment answered.

	# switchyard: active=green
	upstream clipper_backend {
	    server 127.0.0.1:8091;
	}
	add_header X-Active-Environment "green" always;

Switch follows a reload-or-revert contract:

 1. Copy the current file to a timestamped backup
 2. Atomically replace the file with the rule for the new environment
 3. Test and reload the proxy in place (nginx -t, nginx -s reload)
 4. Verify through the public URL that the new environment answers
 5. On any failure in 2-4, restore the backup and reload again

When Switch returns, traffic is at exactly one environment: the requested
one on success, the previous one otherwise. If even the revert fails the
error wraps ErrRevertFailed and the proxy needs an operator.
*/
package traffic
