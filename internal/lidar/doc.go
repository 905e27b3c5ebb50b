// Package lidar owns the 2D range-scan data model of the pilot.
//
// Responsibilities: the immutable Scan produced by one rotation of the
// scanner, the single-slot Store that hands the latest scan from the
// acquisition task to the control loop, and the pure geometry evaluated on a
// scan each cycle (forward clearance, occupancy profile, free-gap search and
// the local Cartesian grid).
//
// Angle convention: degrees, 0 = straight ahead, increasing clockwise, 180 =
// directly behind. A scanner mounted at an angle is described by a single yaw
// (GeometryParams.YawDeg) and every forward-relative computation goes through
// RelativeAngle, so the forward cone and the gap heading share one frame.
//
// Device drivers live in sub-packages (rplidar, replay) and only depend on
// this package, never the other way round.
package lidar
