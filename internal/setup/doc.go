// Package setup prepares a host for kiln: the state directories a build
// writes to and the bridge install instances attach to.
//
// Setup runs once, as root, outside any build. It is the only package that
// logs through a package-level logger.
package setup
