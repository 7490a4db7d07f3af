/*
Package runtime abstracts the container engine that hosts the blue and green
environments, the reverse proxy and the throwaway restore-drill database.

Two backends implement Runtime:

  - DockerRuntime talks to a Docker Engine. Published ports are bound to
    127.0.0.1 so that only the proxy on the same host can reach an
    environment directly.
  - ContainerdRuntime talks to containerd in the "switchyard" namespace.
    Containers share the host network namespace; the first port binding is
    passed to the process as PORT.

Every container switchyard creates carries the io.switchyard.* labels
(application, environment, service, version, role). The environment locator
lists containers by these labels instead of trusting container names.

Stop keeps the container so that a previous environment can be restarted by
a rollback; Remove deletes it. Both treat a missing container as success, so
cleanup paths can call them unconditionally.

The runtimetest subpackage provides an in-memory Fake for tests.
*/
package runtime
